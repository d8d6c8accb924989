package facilitator

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"chimera/internal/intent"
)

// packArgs 将 JSON 解码出的参数转换为 ABI 编码所需的 Go 类型后打包。
func packArgs(args abi.Arguments, values []any) ([]byte, error) {
	if len(values) != len(args) {
		return nil, fmt.Errorf("需要 %d 个参数，实际收到 %d 个", len(args), len(values))
	}
	converted := make([]any, len(values))
	for i, arg := range args {
		v, err := coerce(arg.Type, values[i])
		if err != nil {
			name := arg.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("参数 %s: %w", name, err)
		}
		converted[i] = v
	}
	return args.Pack(converted...)
}

func coerce(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		s, ok := v.(string)
		if !ok || !common.IsHexAddress(s) {
			return nil, fmt.Errorf("%v 不是合法地址", v)
		}
		return common.HexToAddress(s), nil
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strings.EqualFold(b, "true"), nil
		}
		return nil, fmt.Errorf("%v 不是布尔值", v)
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case abi.IntTy, abi.UintTy:
		n, err := toBig(v)
		if err != nil {
			return nil, err
		}
		return fitInteger(t, n)
	case abi.BytesTy:
		return toBytes(v)
	case abi.FixedBytesTy:
		raw, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(raw) > t.Size {
			return nil, fmt.Errorf("bytes%d 长度超限: %d", t.Size, len(raw))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(raw))
		return arr.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%v 不是数组", v)
		}
		if t.T == abi.ArrayTy && len(items) != t.Size {
			return nil, fmt.Errorf("数组长度应为 %d", t.Size)
		}
		var out reflect.Value
		if t.T == abi.SliceTy {
			out = reflect.MakeSlice(t.GetType(), len(items), len(items))
		} else {
			out = reflect.New(t.GetType()).Elem()
		}
		for i, item := range items {
			elem, err := coerce(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(elem))
		}
		return out.Interface(), nil
	case abi.TupleTy:
		out := reflect.New(t.GetType()).Elem()
		for i, elemType := range t.TupleElems {
			var raw any
			switch tv := v.(type) {
			case map[string]any:
				raw = tv[t.TupleRawNames[i]]
			case []any:
				if i < len(tv) {
					raw = tv[i]
				}
			default:
				return nil, fmt.Errorf("%v 不是结构体", v)
			}
			elem, err := coerce(*elemType, raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", t.TupleRawNames[i], err)
			}
			out.Field(i).Set(reflect.ValueOf(elem))
		}
		return out.Interface(), nil
	default:
		return nil, fmt.Errorf("不支持的 ABI 类型 %s", t.String())
	}
}

func toBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case json.Number:
		return parseSigned(n.String())
	case string:
		return parseSigned(n)
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("%v 不是整数", n)
		}
		return big.NewInt(int64(n)), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case *big.Int:
		return new(big.Int).Set(n), nil
	}
	return nil, fmt.Errorf("%v 不是整数", v)
}

func parseSigned(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		n, err := intent.ParseInteger(s[1:])
		if err != nil {
			return nil, err
		}
		return n.Neg(n), nil
	}
	return intent.ParseInteger(s)
}

// fitInteger 返回与 abi.Type.GetType 一致的 Go 整数类型。
func fitInteger(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("%s 不能为负数", t.String())
	}
	bits := n.BitLen()
	if t.T == abi.IntTy {
		bits++
	}
	if bits > t.Size {
		return nil, fmt.Errorf("%s 超出 %s 范围", n.String(), t.String())
	}
	target := t.GetType()
	if target == reflect.TypeOf(&big.Int{}) {
		return n, nil
	}
	out := reflect.New(target).Elem()
	if t.T == abi.UintTy {
		out.SetUint(n.Uint64())
	} else {
		out.SetInt(n.Int64())
	}
	return out.Interface(), nil
}

func toBytes(v any) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%v 不是十六进制字符串", v)
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("解析十六进制失败: %w", err)
	}
	return raw, nil
}
