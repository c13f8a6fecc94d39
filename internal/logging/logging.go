// Package logging configures logrus for the DeadDrop binaries.
package logging

import (
	"io"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

// FieldFuncName is the log field carrying the calling function.
const FieldFuncName = "funcName"

// ServiceFormatter stamps every entry with the service name and the unix time
// in milliseconds before delegating to the wrapped formatter.
type ServiceFormatter struct {
	svcName string
	log.Formatter
}

func (f *ServiceFormatter) Format(e *log.Entry) ([]byte, error) {
	e.Data["epochTimeMillis"] = e.Time.UnixNano() / int64(time.Millisecond)
	e.Data["service"] = f.svcName
	return f.Formatter.Format(e)
}

// New builds a JSON logger for the named service writing to out.
func New(name string, verbose bool, out io.Writer) *log.Logger {
	l := log.New()
	l.SetOutput(out)
	l.SetFormatter(&ServiceFormatter{
		svcName:   name,
		Formatter: &log.JSONFormatter{DisableTimestamp: true},
	})
	l.SetLevel(log.InfoLevel)
	if verbose {
		l.SetLevel(log.DebugLevel)
	}
	return l
}

// Setup configures the standard logrus logger as well, so that libraries
// logging through the package-level functions share the format, and returns
// a logger for the service.
func Setup(name string, verbose bool) *log.Logger {
	l := New(name, verbose, os.Stdout)
	log.SetOutput(l.Out)
	log.SetFormatter(l.Formatter)
	log.SetLevel(l.GetLevel())
	return l
}

// WithFuncName returns an entry marked with the name of the function calling
// WithFuncName.
func WithFuncName(l log.FieldLogger) *log.Entry {
	pc, _, _, ok := runtime.Caller(1)
	var funcName string
	if ok {
		frs := runtime.CallersFrames([]uintptr{pc})
		fr, _ := frs.Next()
		funcName = fr.Function
	}
	return l.WithField(FieldFuncName, funcName)
}
