package gadget_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/bt/teslausb-radxa-zero/internal/gadget"
	"github.com/bt/teslausb-radxa-zero/pkg/execx"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Infow(msg string, kv ...interface{})  {}
func (nopLogger) Warnw(msg string, kv ...interface{})  {}
func (nopLogger) Errorw(msg string, kv ...interface{}) {}

type countingChecker struct {
	n int
}

func (c *countingChecker) CheckBackingImage(ctx context.Context) {
	c.n++
}

func TestRetractTriggersConsistencyCheck(t *testing.T) {
	chk := &countingChecker{}
	c := gadget.New(nopLogger{}, &gadget.Config{
		Enable:  execx.Argv{"true"},
		Disable: execx.Argv{"true"},
		Checker: chk,
	})

	require.NoError(t, c.Retract(context.Background()))
	require.Equal(t, 1, chk.n)
}

func TestRetractFailureSkipsCheck(t *testing.T) {
	chk := &countingChecker{}
	c := gadget.New(nopLogger{}, &gadget.Config{
		Enable:  execx.Argv{"true"},
		Disable: execx.Argv{"false"},
		Checker: chk,
	})

	err := c.Retract(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "gadget disable failed")
	require.Equal(t, 0, chk.n)
}

func TestIsExposedAndCorrect(t *testing.T) {
	dir := t.TempDir()
	lun := filepath.Join(dir, "lun.0-file")
	image := filepath.Join(dir, "cam_disk.bin")

	c := gadget.New(nopLogger{}, &gadget.Config{
		LunFile:      lun,
		BackingImage: image,
	})

	// No lun file: not exposed.
	require.False(t, c.IsExposedAndCorrect())

	// Bound to the wrong file: exposed but incorrect.
	require.NoError(t, ioutil.WriteFile(lun, []byte("/other.bin\n"), 0644))
	require.False(t, c.IsExposedAndCorrect())

	// Bound to the expected backing file.
	require.NoError(t, ioutil.WriteFile(lun, []byte(image+"\n"), 0644))
	require.True(t, c.IsExposedAndCorrect())
}

func TestRepairRetractsThenExposes(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "calls")
	mk := func(tag string) execx.Argv {
		script := filepath.Join(dir, tag+".sh")
		body := "#!/bin/sh\necho " + tag + " >> " + log + "\n"
		require.NoError(t, ioutil.WriteFile(script, []byte(body), 0755))
		return execx.Argv{script}
	}

	c := gadget.New(nopLogger{}, &gadget.Config{
		Enable:  mk("enable"),
		Disable: mk("disable"),
	})
	require.NoError(t, c.Repair(context.Background()))

	data, err := ioutil.ReadFile(log)
	require.NoError(t, err)
	require.Equal(t, "disable\nenable\n", string(data))
}
