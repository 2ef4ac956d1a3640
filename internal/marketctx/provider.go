// Package marketctx предоставляет контекст рынка для движков:
// многогоризонтные rails (12h/24h ATL/ATH) и технический анализ.
//
// Провайдер опционален. NoopProvider возвращает (nil, nil), и движки
// работают в деградированном режиме (без reentry по rails, нейтральный momentum).
package marketctx

import (
	"context"

	"riskguard/internal/models"
)

// Provider - источник rails и TA символа.
// (nil, nil) означает "нет данных" и не является ошибкой.
type Provider interface {
	GetRails(ctx context.Context, symbol string) (models.Rails, error)
	GetTA(ctx context.Context, symbol string) (*models.TA, error)
}

// NoopProvider - провайдер по умолчанию без данных
type NoopProvider struct{}

// GetRails всегда возвращает nil
func (NoopProvider) GetRails(context.Context, string) (models.Rails, error) { return nil, nil }

// GetTA всегда возвращает nil
func (NoopProvider) GetTA(context.Context, string) (*models.TA, error) { return nil, nil }

// Static - провайдер с фиксированными данными (dry-run, тесты)
type Static struct {
	Rails map[string]models.Rails
	TA    map[string]*models.TA
}

// GetRails возвращает заранее заданные rails
func (s *Static) GetRails(_ context.Context, symbol string) (models.Rails, error) {
	return s.Rails[models.NormalizeSymbol(symbol)], nil
}

// GetTA возвращает заранее заданный TA
func (s *Static) GetTA(_ context.Context, symbol string) (*models.TA, error) {
	return s.TA[models.NormalizeSymbol(symbol)], nil
}
