// Package log provides a small leveled logger used throughout the
// overlay: a global, adjustable debug level, colorized output, and a
// handful of Lvl1..Lvl5/Error/Fatal helpers instead of the standard
// library's bare log package.
package log

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"sync"
	"time"

	ct "github.com/daviddengcn/go-colortext"
)

// debugLvl is the global debug level: messages logged at a higher level
// than this are discarded. It can be changed with SetDebugVisible.
var debugLvl = 1
var debugMut sync.RWMutex

// UseColors toggles ANSI coloring of the log output.
var UseColors = true

// ShowTime prefixes every line with a timestamp when true.
var ShowTime = false

var regexpPaths = regexp.MustCompile(".*/")

// SetDebugVisible sets the global debug level.
func SetDebugVisible(lvl int) {
	debugMut.Lock()
	defer debugMut.Unlock()
	debugLvl = lvl
}

// DebugVisible returns the current global debug level.
func DebugVisible() int {
	debugMut.RLock()
	defer debugMut.RUnlock()
	return debugLvl
}

func visible() int {
	debugMut.RLock()
	defer debugMut.RUnlock()
	return debugLvl
}

// Lvl writes msg if the current debug level is >= lvl.
func Lvl(lvl int, args ...interface{}) {
	lvlf(lvl, 3, args...)
}

// Lvl1 through Lvl5: Lvl1 is coarse, Lvl5 is extremely chatty.
func Lvl1(args ...interface{}) { lvlf(1, 3, args...) }
func Lvl2(args ...interface{}) { lvlf(2, 3, args...) }
func Lvl3(args ...interface{}) { lvlf(3, 3, args...) }
func Lvl4(args ...interface{}) { lvlf(4, 3, args...) }
func Lvl5(args ...interface{}) { lvlf(5, 3, args...) }

// Lvlf1 through Lvlf5 are the printf-style equivalents.
func Lvlf1(f string, args ...interface{}) { lvlf(1, 3, fmt.Sprintf(f, args...)) }
func Lvlf2(f string, args ...interface{}) { lvlf(2, 3, fmt.Sprintf(f, args...)) }
func Lvlf3(f string, args ...interface{}) { lvlf(3, 3, fmt.Sprintf(f, args...)) }
func Lvlf4(f string, args ...interface{}) { lvlf(4, 3, fmt.Sprintf(f, args...)) }
func Lvlf5(f string, args ...interface{}) { lvlf(5, 3, fmt.Sprintf(f, args...)) }

// Print always prints, regardless of the debug level.
func Print(args ...interface{}) {
	output(0, color(ct.White, false), args...)
}

// Warn prints a yellow warning line, regardless of the debug level.
func Warn(args ...interface{}) {
	output(0, color(ct.Yellow, false), args...)
}

// Warnf is the printf-style equivalent of Warn.
func Warnf(f string, args ...interface{}) {
	Warn(fmt.Sprintf(f, args...))
}

// Error prints a red error line, regardless of the debug level.
func Error(args ...interface{}) {
	output(0, color(ct.Red, false), args...)
}

// Errorf is the printf-style equivalent of Error.
func Errorf(f string, args ...interface{}) {
	Error(fmt.Sprintf(f, args...))
}

// Fatal prints the message and exits the process with status 1.
func Fatal(args ...interface{}) {
	output(0, color(ct.Red, true), args...)
	os.Exit(1)
}

// Fatalf is the printf-style equivalent of Fatal.
func Fatalf(f string, args ...interface{}) {
	Fatal(fmt.Sprintf(f, args...))
}

// ErrFatal logs and exits if err is non-nil. It is meant to wrap
// initialization calls that cannot sensibly continue on error.
func ErrFatal(err error, args ...interface{}) {
	if err == nil {
		return
	}
	all := append(args, err.Error())
	Fatal(all...)
}

func lvlf(lvl, skip int, args ...interface{}) {
	if lvl > visible() {
		return
	}
	c := color(ct.Green, false)
	if lvl <= 0 {
		c = color(ct.White, false)
	}
	output(skip, c, args...)
}

func output(skip int, c func(), args ...interface{}) {
	debugMut.Lock()
	defer debugMut.Unlock()

	caller := ""
	if _, file, line, ok := runtime.Caller(skip); ok {
		caller = regexpPaths.ReplaceAllString(file, "") + ":" + strconv.Itoa(line)
	}

	prefix := ""
	if ShowTime {
		prefix = time.Now().Format("2006-01-02 15:04:05.000") + " "
	}

	if UseColors {
		c()
	}
	fmt.Fprintf(os.Stderr, "%s%-25s %s", prefix, caller, fmt.Sprintln(args...))
	if UseColors {
		ct.ResetColor()
	}
}

func color(c ct.Color, bright bool) func() {
	return func() { ct.ChangeColor(c, bright, ct.None, false) }
}
