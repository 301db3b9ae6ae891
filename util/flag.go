package util

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Struct tags understood by RegisterFlags. A tag can also be supplied or
// overridden through the tags map passed to RegisterFlags, keyed as
// "<tag>.<field path>", e.g. "help.remote.host".
const (
	// TagDefault is the default value of the flag
	TagDefault = "def"
	// TagHelp is the usage text; every visible flag must have one
	TagHelp = "help"
	// TagOpt reserves a one character shorthand, e.g. "d" for "-d"
	TagOpt = "opt"
	// TagSkip set to "true" excludes the field and everything below it
	TagSkip = "skip"
	// TagHide set to "true" hides the flag and all flags below it
	TagHide = "hide"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Field is a field of an arbitrary struct
type Field struct {
	Name  string
	Path  string
	Type  reflect.Type
	Kind  reflect.Kind
	Leaf  bool
	Depth int
	Tag   reflect.StructTag
	Value interface{}
	Addr  interface{}
	Hide  string
}

// RegisterFlags creates one flag per leaf field of config and binds it to
// v under the field's dotted lower case path, so "Remote.KnownHosts"
// becomes "--remote.knownhosts" and the viper key "remote.knownhosts".
// Strings, ints, int64s, durations, bools and string slices are supported;
// other kinds are ignored.
func RegisterFlags(v *viper.Viper, flags *pflag.FlagSet, config interface{}, tags map[string]string) error {
	r := &registrar{flags: flags, tags: tags, viper: v}
	return ParseObject(config, r.register, tags)
}

// ParseObject walks the fields of the struct obj points to and calls cb for
// each, parents before children
func ParseObject(obj interface{}, cb func(*Field) error, tags map[string]string) error {
	if cb == nil {
		return errors.New("nil callback")
	}
	return walk(reflect.ValueOf(obj), cb, nil, tags)
}

type registrar struct {
	flags *pflag.FlagSet
	tags  map[string]string
	viper *viper.Viper
}

func (r *registrar) register(f *Field) error {
	if !f.Leaf {
		return nil
	}
	if f.Addr == nil {
		return errors.Errorf("Field is not addressable: %s", f.Path)
	}
	if r.tag(f, TagSkip) != "" {
		return nil
	}

	help := r.tag(f, TagHelp)
	opt := r.tag(f, TagOpt)
	def := r.tag(f, TagDefault)
	hide, _ := strconv.ParseBool(f.Hide)
	if help == "" && !hide && registrable(f) {
		return errors.Errorf("Field is missing a help tag: %s", f.Path)
	}

	ok, err := r.define(f, opt, def, help)
	if err != nil {
		return errors.WithMessagef(err, "Invalid '%s' tag of %s field", TagDefault, f.Path)
	}
	if !ok {
		log.Debugf("Not registering flag for '%s' because it is a currently unsupported type: %s", f.Path, f.Kind)
		return nil
	}
	if hide {
		r.flags.MarkHidden(f.Path)
	}
	return r.viper.BindPFlag(f.Path, r.flags.Lookup(f.Path))
}

// define creates the flag for f; false means the kind is not supported
func (r *registrar) define(f *Field, opt, def, help string) (bool, error) {
	fs := r.flags
	switch {
	case f.Type == durationType:
		d, err := parseDefault(def, time.ParseDuration)
		if err != nil {
			return true, err
		}
		fs.DurationVarP(f.Addr.(*time.Duration), f.Path, opt, d, help)
	case f.Kind == reflect.String:
		fs.StringVarP(f.Addr.(*string), f.Path, opt, def, help)
	case f.Kind == reflect.Int:
		n, err := parseDefault(def, strconv.Atoi)
		if err != nil {
			return true, err
		}
		fs.IntVarP(f.Addr.(*int), f.Path, opt, n, help)
	case f.Kind == reflect.Int64:
		n, err := parseDefault(def, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
		if err != nil {
			return true, err
		}
		fs.Int64VarP(f.Addr.(*int64), f.Path, opt, n, help)
	case f.Kind == reflect.Bool:
		b, err := parseDefault(def, strconv.ParseBool)
		if err != nil {
			return true, err
		}
		fs.BoolVarP(f.Addr.(*bool), f.Path, opt, b, help)
	case f.Kind == reflect.Slice && f.Type.Elem().Kind() == reflect.String:
		var list []string
		if def != "" {
			list = strings.Split(def, ",")
		}
		fs.StringSliceVarP(f.Addr.(*[]string), f.Path, opt, list, help)
	default:
		return false, nil
	}
	return true, nil
}

// tag returns the named tag of f, preferring the tags map
func (r *registrar) tag(f *Field, name string) string {
	return lookupTag(f, name, r.tags)
}

// registrable reports whether RegisterFlags creates a flag for the field
func registrable(f *Field) bool {
	switch f.Kind {
	case reflect.String, reflect.Int, reflect.Int64, reflect.Bool:
		return true
	case reflect.Slice:
		return f.Type.Elem().Kind() == reflect.String
	}
	return false
}

// parseDefault parses a non-empty default with parse, else returns the zero value
func parseDefault[T any](def string, parse func(string) (T, error)) (T, error) {
	var zero T
	if def == "" {
		return zero, nil
	}
	v, err := parse(def)
	if err != nil {
		return zero, errors.Errorf("cannot parse '%s'", def)
	}
	return v, nil
}

func lookupTag(f *Field, name string, tags map[string]string) string {
	if v := tags[name+"."+f.Path]; v != "" {
		return v
	}
	return f.Tag.Get(name)
}

// walk visits the exported fields of the struct ptr points to. Pointer
// fields are visited through a fresh zero value.
func walk(ptr reflect.Value, cb func(*Field) error, parent *Field, tags map[string]string) error {
	v := ptr.Elem()
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}
		fv := v.Field(i)
		kind := fv.Kind()

		field := &Field{
			Name:  strings.ToLower(sf.Name),
			Type:  sf.Type,
			Kind:  kind,
			Leaf:  kind != reflect.Struct && kind != reflect.Ptr,
			Tag:   sf.Tag,
			Value: fv.Interface(),
			Addr:  fv.Addr().Interface(),
		}
		field.Path = field.Name
		if parent != nil {
			field.Path = parent.Path + "." + field.Name
			field.Depth = parent.Depth + 1
		}
		if parent != nil && parent.Hide != "" {
			field.Hide = parent.Hide
		} else {
			field.Hide = lookupTag(field, TagHide, tags)
		}

		if err := cb(field); err != nil {
			return err
		}
		if field.Leaf || sf.Tag.Get(TagSkip) == "true" {
			continue
		}

		child := fv.Addr()
		if kind == reflect.Ptr {
			child = reflect.New(fv.Type().Elem())
		}
		if err := walk(child, cb, field, tags); err != nil {
			return err
		}
	}
	return nil
}
