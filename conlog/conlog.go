package conlog

// Console is a host-provided sink for user-facing diagnostic lines.
type Console interface {
	Printf(format string, v ...interface{})
}

// Func adapts a printf-style function to the Console interface.
type Func func(format string, v ...interface{})

func (f Func) Printf(format string, v ...interface{}) {
	f(format, v...)
}

// Discard drops everything written to it.
var Discard Console = Func(func(string, ...interface{}) {})

var (
	p  func(string, ...interface{})
	sp func(string, ...interface{})
)

func SetPrintf(f func(string, ...interface{})) {
	p = f
}
func SetSavePrintf(f func(string, ...interface{})) {
	sp = f
}

func Printf(format string, v ...interface{}) {
	if p != nil {
		p(format, v...)
	}
}

func SafePrintf(format string, v ...interface{}) {
	if sp != nil {
		sp(format, v...)
	}
}

// Default is a Console bound to the package-level printf sink.
func Default() Console {
	return Func(Printf)
}
