package telemetry

import (
	"context"
	"errors"
	"io/fs"
)

var (
	// ErrSourceUnavailable устройство или категория отсутствует либо не поддерживается
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrPermissionDenied для чтения нужны повышенные права
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTransientRead разовый сбой чтения, повторяется в следующем цикле
	ErrTransientRead = errors.New("transient read failure")
	// ErrConfigurationFault ошибка конфигурации, движок не запускается
	ErrConfigurationFault = errors.New("configuration fault")
	// ErrBusy предыдущий вызов источника еще не завершился
	ErrBusy = errors.New("source busy")
)

// Fault категория ошибки источника
type Fault int

const (
	FaultNone Fault = iota
	FaultSourceUnavailable
	FaultPermissionDenied
	FaultTransient
	FaultConfiguration
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultSourceUnavailable:
		return "source_unavailable"
	case FaultPermissionDenied:
		return "permission_denied"
	case FaultTransient:
		return "transient_read_failure"
	case FaultConfiguration:
		return "configuration_fault"
	default:
		return "unknown"
	}
}

// FaultOf относит ошибку к одной из категорий. Неизвестные ошибки
// считаются разовыми: следующий цикл попробует снова.
func FaultOf(err error) Fault {
	switch {
	case err == nil:
		return FaultNone
	case errors.Is(err, ErrConfigurationFault):
		return FaultConfiguration
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return FaultPermissionDenied
	case errors.Is(err, ErrSourceUnavailable), errors.Is(err, fs.ErrNotExist), errors.Is(err, errors.ErrUnsupported):
		return FaultSourceUnavailable
	case errors.Is(err, ErrBusy), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTransientRead):
		return FaultTransient
	default:
		return FaultTransient
	}
}
