package venue

import "errors"

// Нефатальные для биржи ошибки возможностей
//
// Ядро обязано переживать их без отключения биржи: залогировать,
// заалертить и продолжить с остальными.
var (
	ErrUnsupportedMode     = errors.New("venue: position mode not supported")
	ErrUnsupportedLeverage = errors.New("venue: leverage change not supported")
)

// Классы ошибок венью-вызовов, определяющие локальную обработку
var (
	ErrRateLimited = errors.New("venue: rate limited")          // 429-подобное, уходит в backoff
	ErrAuth        = errors.New("venue: authentication failed") // без retry, биржа выключается на тик
	ErrParse       = errors.New("venue: malformed response")    // сэмпл отбрасывается
	ErrUnavailable = errors.New("venue: data unavailable")      // sentinel отсутствующих данных
)

// VenueError - ошибка конкретной биржи с контекстом для диагностики
type VenueError struct {
	Venue   string
	Op      string // "get_funding", "place_order", ...
	Kind    error  // один из Err* выше, либо nil для прочих
	Message string
	Err     error
}

func (e *VenueError) Error() string {
	if e.Message != "" {
		return e.Venue + ": " + e.Op + ": " + e.Message
	}
	if e.Err != nil {
		return e.Venue + ": " + e.Op + ": " + e.Err.Error()
	}
	return e.Venue + ": " + e.Op + " failed"
}

// Unwrap поддерживает errors.Is/As по классу и вложенной ошибке
func (e *VenueError) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// IsAuthError возвращает true для ошибок аутентификации/прав
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsRateLimited возвращает true для rate-limit ответов биржи
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsUnavailable возвращает true для sentinel "данные недоступны"
//
// Такие ошибки не считаются сбоями: возможность пропускается,
// счётчик инкрементируется, система продолжает работу.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
