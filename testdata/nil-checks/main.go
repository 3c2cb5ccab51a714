package main

type Logger interface{ Log(msg string) }

type stdout struct{}

func (stdout) Log(msg string) { println(msg) }

var verbose bool

func logger() Logger {
	if verbose {
		return stdout{}
	}
	return nil
}

func emit(l Logger, msg string) {
	if l != nil {
		l.Log(msg)
	}
}

func always(l Logger) {
	l.Log("boom")
}

func main() {
	emit(logger(), "hi")
	if verbose {
		always(nil)
	}
}
