package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/hivegrid/hivegrid/internal/artifacts"
)

const scriptTimeout = 10 * time.Second

// RunJavascript evaluates a script in a sandboxed interpreter. The sandbox
// exposes console.log and getCanvas(w,h); every canvas touched by the
// script is exported to the artifact store as a PNG when the script ends.
type RunJavascript struct{}

func (RunJavascript) Name() string { return "run_javascript" }

func (RunJavascript) Description() string {
	return "Evaluate a JavaScript snippet. console.log output is captured. getCanvas(w,h) returns a 2D canvas whose final bitmap is stored as a PNG artifact and returned in images."
}

type runJavascriptParams struct {
	Script string `json:"script" jsonschema_description:"The JavaScript source to evaluate."`
}

func (RunJavascript) Parameters() json.RawMessage { return ReflectSchema(runJavascriptParams{}) }

func (RunJavascript) Execute(ctx context.Context, inv *Invocation, args json.RawMessage) (*Result, error) {
	var params runJavascriptParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, Errf(CodeInvalidArgs, "%v", err)
	}

	vm := goja.New()
	var logs []string
	console := vm.NewObject()
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		logs = append(logs, strings.Join(parts, " "))
		return goja.Undefined()
	})
	vm.Set("console", console)

	var canvases []*scriptCanvas
	vm.Set("getCanvas", func(w, h int) *goja.Object {
		c := newScriptCanvas(vm, w, h)
		canvases = append(canvases, c)
		return c.object
	})

	timer := time.AfterFunc(scriptTimeout, func() {
		vm.Interrupt("script timeout")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("cancelled")
	})
	defer stop()

	value, err := vm.RunString(params.Script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if ok := asGojaInterrupt(err, &interrupted); ok {
			return nil, Errf(CodeCommandTimeout, "script interrupted: %v", interrupted.Value())
		}
		return nil, Errf(CodeCommandFailed, "script error: %v", err)
	}

	var images []string
	for _, c := range canvases {
		ref, exportErr := c.export(inv)
		if exportErr != nil {
			inv.log().Warn("canvas export failed", "error", exportErr)
			continue
		}
		images = append(images, ref)
	}

	data := map[string]any{"logs": logs, "images": images}
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		data["result"] = value.Export()
	}
	return &Result{Data: data}, nil
}

func asGojaInterrupt(err error, target **goja.InterruptedError) bool {
	if ie, ok := err.(*goja.InterruptedError); ok {
		*target = ie
		return true
	}
	return false
}

// scriptCanvas is the minimal 2D surface exposed to scripts: fillStyle,
// fillRect, and setPixel over an RGBA bitmap.
type scriptCanvas struct {
	object *goja.Object
	img    *image.RGBA
}

func newScriptCanvas(vm *goja.Runtime, w, h int) *scriptCanvas {
	if w <= 0 || w > 4096 {
		w = 256
	}
	if h <= 0 || h > 4096 {
		h = 256
	}
	c := &scriptCanvas{img: image.NewRGBA(image.Rect(0, 0, w, h))}
	obj := vm.NewObject()
	obj.Set("width", w)
	obj.Set("height", h)
	obj.Set("fillStyle", "#000000")
	obj.Set("fillRect", func(x, y, rw, rh int) {
		fill := parseColor(obj.Get("fillStyle").String())
		for py := y; py < y+rh; py++ {
			for px := x; px < x+rw; px++ {
				if image.Pt(px, py).In(c.img.Rect) {
					c.img.SetRGBA(px, py, fill)
				}
			}
		}
	})
	obj.Set("setPixel", func(x, y, r, g, b, a int) {
		if image.Pt(x, y).In(c.img.Rect) {
			c.img.SetRGBA(x, y, color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: uint8(a)})
		}
	})
	c.object = obj
	return c
}

func (c *scriptCanvas) export(inv *Invocation) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, c.img); err != nil {
		return "", fmt.Errorf("encoding canvas: %w", err)
	}
	ref, _, err := inv.Artifacts.Put(buf.Bytes(), "image", artifacts.PutOptions{
		Extension: ".png",
		Meta:      map[string]string{"source": "run_javascript"},
	})
	return ref, err
}

// parseColor understands #rgb and #rrggbb. Anything else is black.
func parseColor(s string) color.RGBA {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "#") {
		return color.RGBA{A: 255}
	}
	hex := s[1:]
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{A: 255}
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
