package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// CfgCmd groups configuration subcommands.
type CfgCmd struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template with every default"`
}

// ConfigInit writes a configuration file holding the default of every
// global option.
type ConfigInit struct {
	Format string `help:"Output format" enum:"json,yaml,toml" default:"yaml"`
	Output string `short:"o" help:"Destination file (defaults to hcdsim.<format> in the working directory)" type:"path"`
	Force  bool   `help:"Overwrite if the file already exists"`
}

// Run is called by Kong when the config init command is executed.
func (c *ConfigInit) Run() error {
	data, err := renderTemplate(c.Format)
	if err != nil {
		return err
	}

	dest := c.Output
	if dest == "" {
		dest = "hcdsim." + c.Format
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return errors.New("destination exists; use --force to overwrite")
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}

// renderTemplate encodes the defaults of Globals in format. Keys are the
// flag names, which every loader resolves directly.
func renderTemplate(format string) ([]byte, error) {
	root := map[string]any{}
	collectDefaults(root, "", reflect.TypeOf(Globals{}))

	switch format {
	case "json":
		// The JSON resolver looks flags up with underscores.
		snake := make(map[string]any, len(root))
		for k, v := range root {
			snake[strings.ReplaceAll(k, "-", "_")] = v
		}
		return json.MarshalIndent(snake, "", "  ")
	case "yaml":
		return yaml.Marshal(root)
	case "toml":
		return toml.Marshal(root)
	}
	return nil, fmt.Errorf("unsupported format: %s", format)
}

// collectDefaults adds one entry per flag of t, descending into embedded
// option groups.
func collectDefaults(out map[string]any, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" {
			continue
		}
		if _, ok := f.Tag.Lookup("embed"); ok {
			collectDefaults(out, prefix+f.Tag.Get("prefix"), f.Type)
			continue
		}
		name := f.Tag.Get("name")
		if name == "" {
			name = kebab(f.Name)
		}
		if v := defaultValue(f.Type, f.Tag.Get("default")); v != nil {
			out[prefix+name] = v
		}
	}
}

func defaultValue(t reflect.Type, def string) any {
	if t == reflect.TypeOf(time.Duration(0)) {
		if def == "" {
			return "0s"
		}
		return def
	}
	switch t.Kind() {
	case reflect.String:
		return def
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 10, 64)
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 10, 64)
		return n
	}
	return nil
}

// kebab converts a Go field name to its flag name: FramePeriod becomes
// frame-period and MaxLUN becomes max-lun.
func kebab(s string) string {
	r := []rune(s)
	var b strings.Builder
	for i, c := range r {
		if unicode.IsUpper(c) && i > 0 {
			prevLower := unicode.IsLower(r[i-1])
			nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])
			if prevLower || (unicode.IsUpper(r[i-1]) && nextLower) {
				b.WriteByte('-')
			}
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

// configPaths lists candidate configuration files per loader. A file named
// on the command line comes first and is routed by its extension.
func configPaths(userPath string) (jsonPaths, yamlPaths, tomlPaths []string) {
	if userPath != "" {
		switch filepath.Ext(userPath) {
		case ".yaml", ".yml":
			yamlPaths = append(yamlPaths, userPath)
		case ".toml":
			tomlPaths = append(tomlPaths, userPath)
		default:
			jsonPaths = append(jsonPaths, userPath)
		}
	}

	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if cfg, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(cfg, "hcdsim"))
	}
	for _, dir := range dirs {
		base := filepath.Join(dir, "hcdsim")
		jsonPaths = append(jsonPaths, base+".json")
		yamlPaths = append(yamlPaths, base+".yaml", base+".yml")
		tomlPaths = append(tomlPaths, base+".toml")
	}
	return jsonPaths, yamlPaths, tomlPaths
}
