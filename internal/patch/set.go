package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSet 补丁集文档无效
var ErrInvalidSet = errors.New("invalid patch set")

const setSchemaURL = "inmemory://patch-set.json"

const setSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "instructions": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["op", "target"],
        "properties": {
          "op": {"enum": ["insert", "replace", "remove"]},
          "position": {"enum": ["after", "before"]},
          "content": {"type": "string"},
          "target": {
            "type": "object",
            "additionalProperties": false,
            "required": ["class"],
            "properties": {
              "unit": {"type": "string", "pattern": "^classes[0-9]*\\.dex$"},
              "class": {"type": "string", "minLength": 1},
              "method": {"type": "string", "minLength": 1},
              "anchor": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    },
    "native_libs": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["path", "source"],
        "properties": {
          "path": {"type": "string", "pattern": "^lib/[^/]+/[^/]+\\.so$"},
          "source": {"type": "string", "minLength": 1}
        }
      }
    },
    "library_loader": {
      "type": "object",
      "additionalProperties": false,
      "required": ["activity", "library"],
      "properties": {
        "activity": {"type": "string", "minLength": 1},
        "library": {"type": "string", "pattern": "^[A-Za-z0-9_.-]+$"},
        "constants_class": {"type": "string"},
        "constants": {
          "type": "array",
          "items": {
            "type": "object",
            "additionalProperties": false,
            "required": ["name", "value"],
            "properties": {
              "name": {"type": "string", "pattern": "^[A-Za-z_$][A-Za-z0-9_$]*$"},
              "value": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(setSchemaURL, strings.NewReader(setSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(setSchemaURL)
	})
	return compiledSchema, schemaErr
}

// NativeLib 随补丁一起插入的 native 库
type NativeLib struct {
	Path    string `yaml:"path"`
	Source  string `yaml:"source"`
	Content []byte `yaml:"-"`
}

// Set 补丁集：指令序列 + 附加 native 库
type Set struct {
	Name          string         `yaml:"name"`
	Instructions  []Instruction  `yaml:"instructions"`
	NativeLibs    []NativeLib    `yaml:"native_libs"`
	LibraryLoader *LoaderOptions `yaml:"library_loader"`
}

// Compile 展开预设，返回最终的指令序列（预设在前）
func (s *Set) Compile() []Instruction {
	var out []Instruction
	if s.LibraryLoader != nil {
		out = append(out, LibraryLoader(*s.LibraryLoader)...)
	}
	return append(out, s.Instructions...)
}

// ParseSet 解析 YAML 补丁集并做 schema 校验；native 库源文件相对 baseDir 读取
func ParseSet(data []byte, baseDir string) (*Set, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSet, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSet)
	}
	// yaml 解码结果转成 JSON 值域再校验
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSet, err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSet, err)
	}
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSet, err)
	}

	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSet, err)
	}
	for i, in := range set.Instructions {
		if err := in.Validate(); err != nil {
			return nil, fmt.Errorf("%w: instruction %d: %v", ErrInvalidSet, i, err)
		}
	}
	for i := range set.NativeLibs {
		lib := &set.NativeLibs[i]
		src := lib.Source
		if !filepath.IsAbs(src) {
			src = filepath.Join(baseDir, src)
		}
		content, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("%w: native lib %s: %v", ErrInvalidSet, lib.Path, err)
		}
		lib.Content = content
	}
	return &set, nil
}

// LoadSet 从文件读取补丁集
func LoadSet(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patch set: %w", err)
	}
	return ParseSet(data, filepath.Dir(path))
}
