package logrus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/querycache"
)

func TestLogrusLoggerFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base)

	l.Info("coordinator initialized", querycache.Fields{"role": "merchant"})

	e := hook.LastEntry()
	require.NotNil(t, e)
	assert.Equal(t, logrus.InfoLevel, e.Level)
	assert.Equal(t, "merchant", e.Data["role"])
	assert.Equal(t, "querycache", e.Data["component"])
}
