package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/hedwigapp/hedwig-backend/internal/logger"
	"github.com/hedwigapp/hedwig-backend/internal/pkg/apperror"
	"github.com/hedwigapp/hedwig-backend/internal/repository"
)

// ErrorHandler обрабатывает ошибки централизованно. AppError переводится
// в статус и тело как есть, внутренние ошибки маскируются.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err

		logger.Log.WithFields(logrus.Fields{
			"error":  err.Error(),
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Error("Request error")

		if appErr, ok := apperror.AsAppError(err); ok {
			body := gin.H{"success": false, "error": appErr.Message}
			if appErr.Retryable {
				body["retryable"] = true
				body["retry_after"] = int(appErr.RetryAfter.Seconds())
			}
			c.JSON(appErr.HTTPStatus, body)
			return
		}

		statusCode := http.StatusInternalServerError
		message := "внутренняя ошибка сервера"

		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			statusCode, message = http.StatusNotFound, "пользователь не найден"
		case errors.Is(err, repository.ErrContractNotFound):
			statusCode, message = http.StatusNotFound, "договор не найден"
		case errors.Is(err, repository.ErrMilestoneNotFound):
			statusCode, message = http.StatusNotFound, "этап не найден"
		case errors.Is(err, repository.ErrInvoiceNotFound):
			statusCode, message = http.StatusNotFound, "счёт не найден"
		default:
			errStr := err.Error()
			if errStr != "" && !containsInternalKeywords(errStr) {
				message = errStr
				if contains(errStr, "неверный") || contains(errStr, "невалид") {
					statusCode = http.StatusBadRequest
				} else if contains(errStr, "нет прав") || contains(errStr, "не авторизован") {
					statusCode = http.StatusForbidden
				}
			}
		}

		c.JSON(statusCode, gin.H{"success": false, "error": message})
	}
}

// containsInternalKeywords проверяет, содержит ли строка ключевые слова внутренних ошибок.
func containsInternalKeywords(s string) bool {
	keywords := []string{
		"sql:",
		"database",
		"connection",
		"timeout",
		"internal",
		"panic",
		"runtime",
	}

	for _, keyword := range keywords {
		if contains(s, keyword) {
			return true
		}
	}
	return false
}

// contains проверяет, содержит ли строка подстроку (case-insensitive).
func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
