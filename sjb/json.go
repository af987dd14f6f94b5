package sjb

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// json.go moves JSON text in and out of the arena. Import goes through
// gjson so scalars stream straight into arena bytes without an
// intermediate map[string]any; export walks the heap and appends tokens
// into one buffer.

// ErrInvalidJSON is returned when imported text does not parse.
var ErrInvalidJSON = errors.New("sjb: invalid json")

// NewFromJSON allocates an Arena of size bytes and initializes its root
// from jsonText, which must be a JSON object or array.
func NewFromJSON(size int, jsonText string) (*Arena, error) {
	a, err := newEmpty(size)
	if err != nil {
		return nil, err
	}
	if err := a.SetRootJSON(jsonText); err != nil {
		a.region.Close()
		return nil, err
	}
	return a, nil
}

// SetRootJSON replaces the arena's root with the given JSON object or
// array. The previous root becomes garbage and is reclaimed by the next
// compaction.
func (a *Arena) SetRootJSON(jsonText string) error {
	if a.readOnly {
		return ErrReadOnly
	}
	if !gjson.Valid(jsonText) {
		return ErrInvalidJSON
	}
	r := gjson.Parse(jsonText)
	if !r.IsObject() && !r.IsArray() {
		return ErrInvalidJSON
	}
	_, tr, err := a.encodeJSON(r)
	if err != nil {
		return err
	}
	a.setRootPtr(a.tempRootPtr(tr))
	a.popTempRoot()
	return nil
}

// SetJSON stores parsed JSON text under key. The text is first decoded
// by gjsonValue into Go maps, slices and scalars, which are then stored
// exactly as Set stores them.
func (p *Proxy) SetJSON(key, jsonText string) error {
	a := p.arena
	if a.readOnly {
		return ErrReadOnly
	}
	if !gjson.Valid(jsonText) {
		return ErrInvalidJSON
	}
	return p.Set(key, gjsonValue(gjson.Parse(jsonText)))
}

// encodeJSON is encodeValue for a gjson.Result, allocating containers
// directly from the parse walk.
func (a *Arena) encodeJSON(r gjson.Result) (tag uint32, tr int, err error) {
	switch {
	case r.Type == gjson.Null:
		return TagNull, -1, nil
	case r.Type == gjson.True:
		return TagTrue, -1, nil
	case r.Type == gjson.False:
		return TagFalse, -1, nil
	case r.Type == gjson.Number:
		return a.encodeNumber(r.Num)
	case r.Type == gjson.String:
		ptr, err := a.allocString(r.Str)
		if err != nil {
			return 0, -1, err
		}
		return TagString, a.pushTempRoot(TagString, ptr), nil
	case r.IsObject():
		entries := r.Map()
		ptr, err := a.allocContainer(TagObject, uint32(len(entries)))
		if err != nil {
			return 0, -1, err
		}
		tr := a.pushTempRoot(TagObject, ptr)
		var innerErr error
		r.ForEach(func(k, v gjson.Result) bool {
			innerErr = a.appendObjectEntry(tr, k.Str, gjsonValue(v))
			return innerErr == nil
		})
		if innerErr != nil {
			return 0, -1, innerErr
		}
		return TagObject, tr, nil
	case r.IsArray():
		items := r.Array()
		vals := make([]any, len(items))
		for i, item := range items {
			vals[i] = gjsonValue(item)
		}
		return a.encodeArray(vals)
	default:
		return 0, -1, ErrInvalidJSON
	}
}

// gjsonValue converts a parsed result to the Go value shapes encodeValue
// accepts: nested objects and arrays become map[string]any and []any.
func gjsonValue(r gjson.Result) any {
	switch {
	case r.Type == gjson.Null:
		return nil
	case r.Type == gjson.True:
		return true
	case r.Type == gjson.False:
		return false
	case r.Type == gjson.Number:
		return r.Num
	case r.Type == gjson.String:
		return r.Str
	case r.IsArray():
		items := r.Array()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = gjsonValue(item)
		}
		return out
	default:
		out := make(map[string]any)
		r.ForEach(func(k, v gjson.Result) bool {
			out[k.Str] = gjsonValue(v)
			return true
		})
		return out
	}
}

// JSON renders this subtree as compact JSON text.
func (p *Proxy) JSON() string {
	a := p.arena
	return string(a.appendContainerJSON(nil, p.node()))
}

// PrettyJSON renders this subtree indented for humans.
func (p *Proxy) PrettyJSON() string {
	return string(pretty.Pretty([]byte(p.JSON())))
}

func (a *Arena) appendContainerJSON(b []byte, node resolved) []byte {
	if node.tag == TagArray {
		b = append(b, '[')
		for i := uint32(0); i < node.count; i++ {
			if i > 0 {
				b = append(b, ',')
			}
			off := a.entryOffset(node, i)
			b = a.appendValueJSON(b, a.u32(off), a.u32(off+4))
		}
		return append(b, ']')
	}
	b = append(b, '{')
	for i := uint32(0); i < node.count; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		off := a.entryOffset(node, i)
		b = appendJSONString(b, a.readString(a.u32(off)))
		b = append(b, ':')
		b = a.appendValueJSON(b, a.u32(off+4), a.u32(off+8))
	}
	return append(b, '}')
}

func (a *Arena) appendValueJSON(b []byte, tag, payload uint32) []byte {
	switch tag {
	case TagNull:
		return append(b, "null"...)
	case TagTrue:
		return append(b, "true"...)
	case TagFalse:
		return append(b, "false"...)
	case TagNumber:
		return strconv.AppendFloat(b, a.f64(payload), 'g', -1, 64)
	case TagString:
		return appendJSONString(b, a.readString(payload))
	default:
		return a.appendContainerJSON(b, a.resolve(payload))
	}
}

func appendJSONString(b []byte, s string) []byte {
	quoted, _ := json.Marshal(s)
	return append(b, quoted...)
}
