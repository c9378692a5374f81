package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hedwigapp/hedwig-backend/internal/pkg/apperror"
)

// Константы валидации
const (
	MinContractTitleLength   = 3
	MaxContractTitleLength   = 200
	MaxDescriptionLength     = 5000
	MinMilestoneTitleLength  = 1
	MaxMilestoneTitleLength  = 200
	MaxMilestonesPerContract = 50
	MinAmount                = 0.01
	MaxAmount                = 100000000.0 // 100 миллионов
	MaxFeedbackLength        = 2000
	MaxDeliverablesLength    = 5000

	// AmountTolerance — допустимое расхождение сумм из-за округления.
	AmountTolerance = 0.01
)

var emailRegexp = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// invalid возвращает ошибку валидации, которую HTTP слой переводит в 400.
func invalid(format string, args ...interface{}) error {
	return apperror.New(apperror.ErrCodeValidation, fmt.Sprintf(format, args...))
}

// ValidateLength проверяет длину строки в рунах.
func ValidateLength(fieldName, value string, min, max int) error {
	length := utf8.RuneCountInString(strings.TrimSpace(value))
	if length < min {
		return invalid("%s: минимум %d символов", fieldName, min)
	}
	if length > max {
		return invalid("%s: максимум %d символов", fieldName, max)
	}
	return nil
}

// ValidateEmail проверяет корректность email адреса.
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return invalid("email обязателен")
	}
	if len(email) > 254 || !emailRegexp.MatchString(email) {
		return invalid("некорректный email адрес")
	}
	return nil
}

// ValidateAmount проверяет, что сумма находится в допустимых пределах.
func ValidateAmount(fieldName string, amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return invalid("%s: некорректное значение", fieldName)
	}
	if amount < MinAmount {
		return invalid("%s: сумма должна быть положительной", fieldName)
	}
	if amount > MaxAmount {
		return invalid("%s: сумма превышает лимит", fieldName)
	}
	return nil
}

// ValidateMilestoneSum проверяет, что сумма этапов совпадает с общей суммой
// договора в пределах допуска округления.
func ValidateMilestoneSum(milestoneAmounts []float64, totalAmount float64) error {
	if len(milestoneAmounts) == 0 {
		return invalid("договор должен содержать хотя бы один этап")
	}
	if len(milestoneAmounts) > MaxMilestonesPerContract {
		return invalid("слишком много этапов: максимум %d", MaxMilestonesPerContract)
	}

	var sum float64
	for i, amount := range milestoneAmounts {
		if err := ValidateAmount(fmt.Sprintf("этап %d", i+1), amount); err != nil {
			return err
		}
		sum += amount
	}

	// Эпсилон компенсирует шум двоичного представления: 500.00-499.99
	// в float64 чуть больше 0.01.
	if math.Abs(sum-totalAmount) > AmountTolerance+1e-9 {
		return invalid("сумма этапов %.2f не совпадает с суммой договора %.2f", sum, totalAmount)
	}
	return nil
}

// WithinTolerance сообщает, совпадают ли две суммы в пределах допуска.
func WithinTolerance(a, b float64) bool {
	return math.Abs(a-b) < AmountTolerance+1e-9
}
