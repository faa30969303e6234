package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/mohitkumar/nurture/logger"
	"github.com/mohitkumar/nurture/model"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const defaultScriptTimeout = time.Second

var errScriptTimeout = errors.New("script timed out")

// ScriptGateway runs custom_code actions in an embedded JavaScript VM. The
// script sees the enrollment context as `context`; an object it evaluates to
// becomes fields set on the context.
type ScriptGateway struct{}

func NewScriptGateway() *ScriptGateway {
	return &ScriptGateway{}
}

func (g *ScriptGateway) Execute(ctx context.Context, req Request) (Result, error) {
	script := cast.ToString(req.Config["script"])
	if script == "" {
		return Result{}, &PermanentError{Err: fmt.Errorf("custom_code without script")}
	}
	timeout := defaultScriptTimeout
	if ms := cast.ToInt(req.Config["timeoutMs"]); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	data, err := json.Marshal(req.Context)
	if err != nil {
		return Result{}, &PermanentError{Err: err}
	}
	vm := goja.New()
	timer := time.AfterFunc(timeout, func() { vm.Interrupt(errScriptTimeout) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	if _, err := vm.RunString(fmt.Sprintf("var context = %s;", data)); err != nil {
		return Result{}, &PermanentError{Err: err}
	}
	val, err := vm.RunString(script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && interrupted.Value() != errScriptTimeout {
			return Result{}, &TransientError{Err: err}
		}
		logger.Debug("custom code failed", zap.String("enrollment", req.EnrollmentId), zap.Error(err))
		return Result{}, &PermanentError{Err: fmt.Errorf("error executing javascript %w", err)}
	}
	res := Result{Status: STATUS_SUCCESS}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return res, nil
	}
	raw, err := json.Marshal(val.Export())
	if err != nil {
		return Result{}, &PermanentError{Err: err}
	}
	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		// non-object results are reported but change nothing
		res.Output = map[string]any{"result": val.Export()}
		return res, nil
	}
	res.Output = output
	res.Delta = model.ContextDelta{Set: output}
	return res, nil
}
