package endpoint

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

const (
	defaultFieldLimit = 16 << 10
	maxJSONBody       = 1 << 20
)

// sources in precedence order.
var sources = []string{"path", "query", "form", "header", "cookie"}

// Unmarshal fills the struct dst points to from r.
//
// Fields are tagged with the source to read from:
//
//	Email    string `form:"email"`
//	Next     string `query:"next"`
//	Provider string `path:"provider"`
//	Device   string `cookie:"pi_device"`
//	Call     *Call  `body:"json"`
//
// A field may carry several source tags; the first source with a value wins.
// Untagged fields are ignored. Values longer than `maxLength:"n"` (16KiB by
// default, 0 for unlimited) are rejected with 400. A `body` field decodes a
// JSON request body of at most 1MiB and requires a JSON content type.
func Unmarshal(r *http.Request, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}

	t := root.Type()
	formParsed := false
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := root.Field(i)

		if _, ok := sf.Tag.Lookup("body"); ok {
			if err := decodeJSONBody(r, fv, sf.Name); err != nil {
				return err
			}
			continue
		}

		limit, err := fieldLimit(sf)
		if err != nil {
			return err
		}
		for _, src := range sources {
			name, ok := sf.Tag.Lookup(src)
			if !ok || name == "-" {
				continue
			}
			if src == "form" && !formParsed {
				if err := parseForm(r); err != nil {
					return err
				}
				formParsed = true
			}
			values := lookup(r, src, name)
			if len(values) == 0 {
				continue
			}
			for _, s := range values {
				if limit > 0 && len(s) > limit {
					return Error(http.StatusBadRequest, fmt.Sprintf("%s is too long", name), nil)
				}
			}
			if err := setField(fv, values); err != nil {
				return Error(http.StatusBadRequest, fmt.Sprintf("invalid %s", name), fmt.Errorf("%s %q: %w", src, name, err))
			}
			break
		}
	}
	return nil
}

func fieldLimit(sf reflect.StructField) (int, error) {
	tag, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	if tag = strings.TrimSpace(tag); tag == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(tag)
	if err != nil || n < 0 {
		return 0, Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: bad maxLength %q", sf.Name, tag))
	}
	return n, nil
}

func parseForm(r *http.Request) error {
	if requestBodyIsJSON(r) {
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return Error(http.StatusBadRequest, "malformed form", err)
	}
	return nil
}

func lookup(r *http.Request, src, name string) []string {
	switch src {
	case "path":
		if v := r.PathValue(name); v != "" {
			return []string{v}
		}
	case "query":
		return r.URL.Query()[name]
	case "form":
		if r.PostForm != nil {
			return r.PostForm[name]
		}
	case "header":
		return r.Header.Values(name)
	case "cookie":
		var out []string
		for _, c := range r.CookiesNamed(name) {
			out = append(out, c.Value)
		}
		return out
	}
	return nil
}

func setField(v reflect.Value, values []string) error {
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.String {
		v.Set(reflect.ValueOf(append([]string(nil), values...)))
		return nil
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	s := values[0]
	if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(s))
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}

func decodeJSONBody(r *http.Request, v reflect.Value, field string) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if !requestBodyIsJSON(r) {
		return CodedError(http.StatusUnsupportedMediaType, "unsupported_media_type", "expected a JSON body", nil)
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	if err != nil {
		return Error(http.StatusBadRequest, "", err)
	}
	if len(b) > maxJSONBody {
		return Error(http.StatusRequestEntityTooLarge, "", nil)
	}
	if len(b) == 0 {
		return nil
	}
	if v.Kind() == reflect.Pointer && v.IsNil() {
		v.Set(reflect.New(v.Type().Elem()))
	}
	target := v.Addr().Interface()
	if err := json.Unmarshal(b, target); err != nil {
		return CodedError(http.StatusBadRequest, "parse_error", "malformed JSON body", fmt.Errorf("field %s: %w", field, err))
	}
	return nil
}

func requestBodyIsJSON(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return isJSONMediaType(strings.ToLower(mt))
}
