package block

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// evalScript runs a user-authored script body as a JavaScript async function
// receiving the ctx capability object. The evaluation is interrupted after
// the engine's script timeout. Only ctx is reachable from the script.
func (e *Engine) evalScript(body string, sctx *ScriptContext) (string, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(2048)

	timer := time.AfterFunc(e.scriptTimeout, func() { vm.Interrupt("timeout") })
	defer timer.Stop()

	ctxObj, err := buildScriptCtx(vm, sctx)
	if err != nil {
		return "", err
	}

	fnVal, err := vm.RunString("(async function(ctx) {\n" + body + "\n})")
	if err != nil {
		return "", err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return "", fmt.Errorf("script did not compile to a function")
	}

	res, err := fn(goja.Undefined(), ctxObj)
	if err != nil {
		return "", err
	}

	promise, ok := res.Export().(*goja.Promise)
	if !ok {
		return exportString(res)
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return exportString(promise.Result())
	case goja.PromiseStateRejected:
		return "", fmt.Errorf("%s", rejectionMessage(promise.Result()))
	default:
		return "", fmt.Errorf("script did not settle")
	}
}

func exportString(v goja.Value) (string, error) {
	if s, ok := v.Export().(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("script returned non-string value")
}

func rejectionMessage(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return v.String()
}

func scriptErrorMessage(err error) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return "script timed out"
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return rejectionMessage(exc.Value())
	}
	return err.Error()
}

// buildScriptCtx assembles the JS-facing ctx object. Data fields cross the
// boundary through a JSON round-trip so scripts see the wire-format keys.
func buildScriptCtx(vm *goja.Runtime, sctx *ScriptContext) (goja.Value, error) {
	obj := vm.NewObject()
	if sctx == nil {
		sctx = &ScriptContext{}
	}

	fields := map[string]any{
		"story":              sctx.Story,
		"proseFragments":     sctx.ProseFragments,
		"stickyCharacters":   sctx.StickyCharacters,
		"stickyGuidelines":   sctx.StickyGuidelines,
		"stickyKnowledge":    sctx.StickyKnowledge,
		"characterShortlist": sctx.CharacterShortlist,
		"guidelineShortlist": sctx.GuidelineShortlist,
		"knowledgeShortlist": sctx.KnowledgeShortlist,
	}
	for name, v := range fields {
		jsVal, err := toJS(vm, v)
		if err != nil {
			return nil, err
		}
		if err := obj.Set(name, jsVal); err != nil {
			return nil, err
		}
	}
	if sctx.NewProse != "" {
		if err := obj.Set("newProse", sctx.NewProse); err != nil {
			return nil, err
		}
	}

	getFragment := sctx.GetFragment
	err := obj.Set("getFragment", func(id string) (any, error) {
		if getFragment == nil {
			return nil, fmt.Errorf("getFragment is not available")
		}
		f, err := getFragment(id)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, nil
		}
		return jsonClone(f)
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func toJS(vm *goja.Runtime, v any) (goja.Value, error) {
	plain, err := jsonClone(v)
	if err != nil {
		return nil, err
	}
	return vm.ToValue(plain), nil
}

func jsonClone(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal script value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal script value: %w", err)
	}
	return out, nil
}
