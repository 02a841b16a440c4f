package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestRandomStringIsRandom(t *testing.T) {
	a := GetLogToken()
	b := GetLogToken()
	if a == b {
		t.Fatal("strings are equal:", a, b)
	}
	if len(a) != 6 {
		t.Fatal("unexpected token length:", a)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := new(bytes.Buffer)
	SetOutput(buf)
	SetLoglevel(LOGLEVEL_WARNINGS)
	defer SetLoglevel(LOGLEVEL_NONE)

	Log(LOGLEVEL_DEBUG, "debug line")
	if buf.Len() != 0 {
		t.Fatal("debug line was logged at warning level:", buf.String())
	}

	Log(LOGLEVEL_ERRORS, "broken", 42)
	if !strings.Contains(buf.String(), "broken 42") {
		t.Fatal("error line missing:", buf.String())
	}
	if !IsLoggingEnabled(LOGLEVEL_WARNINGS) || IsLoggingEnabled(LOGLEVEL_INFO) {
		t.Fatal("IsLoggingEnabled disagrees with SetLoglevel")
	}
}
