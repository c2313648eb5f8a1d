// Package bitfield packs and unpacks annotated struct fields into a single
// integer word. Its PTEFlags type documents the layout of the PTE access
// word; no other package imports bitfield, and internal/addrspace uses bit
// constants that mirror that layout.
package bitfield

import (
	"fmt"
	"reflect"
)

// Config determines settings for packing.
type Config struct {
	// NumBits bounds the total width of the packed word. 0 means unbounded
	// (use the natural width of the accumulated fields).
	NumBits uint
}

// Pack packs the "bitfield"-tagged fields of struct x into a single word, in
// field declaration order starting at bit 0. Only fields carrying a
// `bitfield:",N"` tag participate; others are skipped.
func Pack(x interface{}, c *Config) (packed uint64, err error) {
	if c == nil {
		c = &Config{NumBits: 64}
	}

	v := reflect.ValueOf(x)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return 0, fmt.Errorf("bitfield: Pack: expected struct, got %v", v.Kind())
	}

	layout, err := layoutOf(v.Type())
	if err != nil {
		return 0, err
	}

	var bitOffset uint
	for _, f := range layout {
		fieldValue := v.Field(f.index)
		var fieldBits uint64

		switch fieldValue.Kind() {
		case reflect.Bool:
			if fieldValue.Bool() {
				fieldBits = 1
			}
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldBits = fieldValue.Uint()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			val := fieldValue.Int()
			if val < 0 {
				return 0, fmt.Errorf("bitfield: Pack: negative value %d for field %s", val, f.name)
			}
			fieldBits = uint64(val)
		default:
			return 0, fmt.Errorf("bitfield: Pack: unsupported field type %v for field %s", fieldValue.Kind(), f.name)
		}

		maxValue := uint64(1)<<f.bits - 1
		if fieldBits > maxValue {
			return 0, fmt.Errorf("bitfield: Pack: value %d exceeds %d bits for field %s", fieldBits, f.bits, f.name)
		}

		packed |= fieldBits << bitOffset
		bitOffset += f.bits
	}

	if c.NumBits > 0 && bitOffset > c.NumBits {
		return 0, fmt.Errorf("bitfield: Pack: total bits %d exceeds NumBits %d", bitOffset, c.NumBits)
	}
	return packed, nil
}

// Unpack is the inverse of Pack: it distributes bits of packed back into the
// "bitfield"-tagged fields of the struct pointed to by x, in the same
// declaration-order layout Pack used.
func Unpack(packed uint64, x interface{}) error {
	v := reflect.ValueOf(x)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bitfield: Unpack: expected pointer to struct, got %v", v.Kind())
	}
	v = v.Elem()

	layout, err := layoutOf(v.Type())
	if err != nil {
		return err
	}

	var bitOffset uint
	for _, f := range layout {
		mask := uint64(1)<<f.bits - 1
		raw := (packed >> bitOffset) & mask
		fieldValue := v.Field(f.index)

		switch fieldValue.Kind() {
		case reflect.Bool:
			fieldValue.SetBool(raw != 0)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fieldValue.SetUint(raw)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fieldValue.SetInt(int64(raw))
		default:
			return fmt.Errorf("bitfield: Unpack: unsupported field type %v for field %s", fieldValue.Kind(), f.name)
		}
		bitOffset += f.bits
	}
	return nil
}

type fieldSpec struct {
	index int
	name  string
	bits  uint
}

func layoutOf(t reflect.Type) ([]fieldSpec, error) {
	var layout []fieldSpec
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("bitfield")
		if tag == "" {
			continue
		}
		var bits uint
		if _, err := fmt.Sscanf(tag, ",%d", &bits); err != nil {
			return nil, fmt.Errorf("bitfield: invalid bitfield tag %q on field %s", tag, field.Name)
		}
		if bits == 0 {
			continue
		}
		layout = append(layout, fieldSpec{index: i, name: field.Name, bits: bits})
	}
	return layout, nil
}
