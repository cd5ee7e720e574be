package expressions

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/uuid"
)

// helperLibrary is the frozen function set visible to every expression.
// CEL functions are bound at environment construction; expressions can call
// them but have no syntax to rebind or mutate them.
func helperLibrary() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("now",
			cel.Overload("now_int", []*cel.Type{}, cel.IntType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return types.Int(time.Now().UnixMilli())
				}),
			),
		),
		cel.Function("random",
			cel.Overload("random_double", []*cel.Type{}, cel.DoubleType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return types.Double(rand.Float64())
				}),
			),
		),
		cel.Function("uuid",
			cel.Overload("uuid_string", []*cel.Type{}, cel.StringType,
				cel.FunctionBinding(func(_ ...ref.Val) ref.Val {
					return types.String(uuid.NewString())
				}),
			),
		),
		cel.Function("get",
			cel.Overload("get_dyn_string", []*cel.Type{cel.DynType, cel.StringType}, cel.DynType,
				cel.BinaryBinding(func(obj, path ref.Val) ref.Val {
					return lookupPath(obj, path, types.NullValue)
				}),
			),
			cel.Overload("get_dyn_string_dyn", []*cel.Type{cel.DynType, cel.StringType, cel.DynType}, cel.DynType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					if len(args) != 3 {
						return types.NewErr("get: expected 3 arguments, got %d", len(args))
					}
					return lookupPath(args[0], args[1], args[2])
				}),
			),
		),
	}
}

// lookupPath walks a dot-separated path through maps and lists. Numeric
// segments index lists. Missing segments yield fallback.
func lookupPath(obj, path, fallback ref.Val) ref.Val {
	p, ok := path.(types.String)
	if !ok {
		return types.NewErr("get: path must be a string")
	}
	if p == "" {
		return obj
	}

	cur := obj
	for _, seg := range strings.Split(string(p), ".") {
		switch v := cur.(type) {
		case traits.Mapper:
			next, found := v.Find(types.String(seg))
			if !found || types.IsError(next) {
				return fallback
			}
			cur = next
		case traits.Lister:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return fallback
			}
			size, _ := v.Size().(types.Int)
			if idx < 0 || types.Int(idx) >= size {
				return fallback
			}
			cur = v.Get(types.Int(idx))
		default:
			return fallback
		}
	}
	if cur == nil || cur == types.NullValue {
		return fallback
	}
	return cur
}
