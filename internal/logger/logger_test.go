package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})

	ctx := l.WithContext(context.Background())
	ctx = SetWorkItem(ctx, "job-1", 42, "subsetter", 1)
	CtxInfo(ctx, "claimed %s", "item")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "claimed item", line["message"])
	assert.Equal(t, "job-1", line[FieldJobID])
	assert.Equal(t, "subsetter", line[FieldServiceID])
	assert.EqualValues(t, 42, line[FieldWorkItemID])
	assert.Equal(t, "test", line["service"])
	assert.Equal(t, "job-1", GetJobID(ctx))
}

func TestEntryMetricFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf, ServiceName: "test"})
	ctx := l.WithContext(context.Background())

	With(Fields{FieldCount: 3}).WithDuration(15).Info(ctx, "done")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.EqualValues(t, 3, line[FieldCount])
	assert.EqualValues(t, 15, line[FieldDurationMs])
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, GetDefault(), FromContext(context.Background()))
}

func TestAttachKeepsExistingLogger(t *testing.T) {
	var reqBuf, svcBuf bytes.Buffer
	req := New(&Config{Level: "info", Format: "json", Output: &reqBuf})
	svc := New(&Config{Level: "info", Format: "json", Output: &svcBuf})

	CtxWarn(svc.Attach(context.Background()), "from %s", "service")
	assert.Contains(t, svcBuf.String(), "from service")

	CtxError(svc.Attach(req.WithContext(context.Background())), "from %s", "request")
	assert.Contains(t, reqBuf.String(), "from request")
	assert.NotContains(t, svcBuf.String(), "from request")
}
