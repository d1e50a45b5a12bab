package logs

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/bytedance/g3proxy/lib/task"
)

func TestTaskFinishEmitsExpectedFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetOutput(&buf)

	l := New(base, ChannelTask, "http_proxy")
	tk := task.New("http_proxy", task.HTTPForward, "127.0.0.1:1")
	tk.Counters.AddClientRead(10)
	tk.Finish(task.ReasonFinished)

	l.TaskFinish(tk)

	out := buf.String()
	require.Contains(t, out, `"log_type":"task"`)
	require.Contains(t, out, `"reason":"Finished"`)
	require.Contains(t, out, `"c_rd_bytes":10`)
}

func TestEscapeErrorOnlyLogsOnFailure(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)

	l := New(base, ChannelEscape, "direct_fixed")
	l.EscapeError("task-1", "direct_fixed", "1.2.3.4:80", errUnreachable{})
	require.Contains(t, buf.String(), "escape error")
}

type errUnreachable struct{}

func (errUnreachable) Error() string { return "unreachable" }
