package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.lines = append(r.lines, "D") }
func (r *recordingLogger) Info(format string, args ...any)  { r.lines = append(r.lines, "I") }
func (r *recordingLogger) Warn(format string, args ...any)  { r.lines = append(r.lines, "W") }
func (r *recordingLogger) Error(format string, args ...any) { r.lines = append(r.lines, "E") }

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	var typedNil *recordingLogger
	assert.NotNil(t, OrNop(typedNil), "typed nil pointers must normalize to Nop")

	real := &recordingLogger{}
	assert.Same(t, any(real), any(OrNop(real)))
}

func TestIsNil(t *testing.T) {
	assert.True(t, IsNil(nil))
	var typedNil *recordingLogger
	assert.True(t, IsNil(typedNil))
	assert.False(t, IsNil(Nop()))
	assert.False(t, IsNil(&recordingLogger{}))
}

func TestMultiFansOut(t *testing.T) {
	a := &recordingLogger{}
	b := &recordingLogger{}

	m := Multi(a, nil, b)
	m.Info("hello")
	m.Error("boom")

	assert.Equal(t, []string{"I", "E"}, a.lines)
	assert.Equal(t, []string{"I", "E"}, b.lines)
}

func TestMultiCollapsesSingle(t *testing.T) {
	a := &recordingLogger{}
	assert.Same(t, any(a), any(Multi(nil, a)))
	assert.NotNil(t, Multi())
}
