package jsmod

import (
	"fmt"

	"github.com/cryguy/jsloop/internal/eventloop"
	"github.com/cryguy/jsloop/internal/jsclass"
)

// RegisterNotify exposes the wake-once notification primitive as a
// native-backed class. A JS caller that needs a timeout races its
// operation against a timer and signals the loser through one of these.
func RegisterNotify(reg *jsclass.Registry) error {
	_, err := reg.Register(jsclass.ClassSpec{
		Name: "Notify",
		Ctor: func(ctx *jsclass.Ctx, args []jsclass.Arg) (any, error) {
			return ctx.Loop.NewNotify(), nil
		},
		Methods: []jsclass.Method{
			{Name: "notify", Arity: 0, Fn: func(ctx *jsclass.Ctx, payload any, args []jsclass.Arg) (jsclass.Result, error) {
				payload.(*eventloop.Notify).Notify()
				return jsclass.Undefined(), nil
			}},
			{Name: "wait", Arity: 0, Fn: func(ctx *jsclass.Ctx, payload any, args []jsclass.Arg) (jsclass.Result, error) {
				id, err := payload.(*eventloop.Notify).Wait()
				if err != nil {
					return jsclass.Undefined(), fmt.Errorf("wait: %w", err)
				}
				return jsclass.TokenPromise(id), nil
			}},
		},
	})
	return err
}
