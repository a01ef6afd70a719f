package manifest

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	sigyaml "sigs.k8s.io/yaml"
)

// The schema mirrors the keyword groups the setup script accepts. Every
// section has to be present (the script indexes them unconditionally) but may
// be null or empty.
const manifestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["project", "personnel", "description", "build", "build-meta", "licensing"],
	"additionalProperties": false,
	"definitions": {
		"stringList": {
			"type": ["array", "null"],
			"items": {"type": "string"}
		},
		"stringMap": {
			"type": ["object", "null"],
			"additionalProperties": {"type": "string"}
		}
	},
	"properties": {
		"project": {
			"type": ["object", "null"],
			"additionalProperties": false,
			"properties": {
				"name": {"type": "string"},
				"url": {"type": "string"},
				"download_url": {"type": "string"},
				"project_urls": {"$ref": "#/definitions/stringList"},
				"entry_points": {"$ref": "#/definitions/stringMap"},
				"install_requires": {"$ref": "#/definitions/stringList"},
				"python_requires": {"type": "string"}
			}
		},
		"personnel": {
			"type": ["object", "null"],
			"additionalProperties": false,
			"properties": {
				"author": {"type": "string"},
				"author_email": {"type": "string"},
				"maintainer": {"type": "string"},
				"maintainer_email": {"type": "string"}
			}
		},
		"description": {
			"type": ["object", "null"],
			"additionalProperties": false,
			"properties": {
				"description": {"type": "string"},
				"long_description": {"type": "string"},
				"long_description_content_type": {"type": "string"}
			}
		},
		"build": {
			"type": ["object", "null"],
			"additionalProperties": false,
			"properties": {
				"version": {"type": "string"},
				"scripts": {"$ref": "#/definitions/stringList"},
				"packages": {"$ref": "#/definitions/stringList"},
				"package_dir": {"$ref": "#/definitions/stringMap"},
				"package_data": {
					"type": ["object", "null"],
					"additionalProperties": {"$ref": "#/definitions/stringList"}
				},
				"py_modules": {"$ref": "#/definitions/stringList"},
				"ext_package": {"type": "string"},
				"include_package_data": {"type": "boolean"},
				"namespace_packages": {"$ref": "#/definitions/stringList"}
			}
		},
		"build-meta": {
			"type": ["object", "null"],
			"additionalProperties": false,
			"properties": {
				"classifiers": {"$ref": "#/definitions/stringList"},
				"keywords": {"$ref": "#/definitions/stringList"},
				"platforms": {"$ref": "#/definitions/stringList"},
				"zip_safe": {"type": "boolean"}
			}
		},
		"licensing": {
			"type": ["object", "null"],
			"additionalProperties": false,
			"properties": {
				"license": {"type": "string"},
				"license_files": {"$ref": "#/definitions/stringList"}
			}
		}
	}
}`

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema *jsonschema.Schema
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		err := compiler.AddResource("build.schema.json", strings.NewReader(manifestSchema))
		if err != nil {
			schemaErr = err
			return
		}

		compiledSchema, schemaErr = compiler.Compile("build.schema.json")
	})

	return compiledSchema, schemaErr
}

// Validate checks the raw YAML manifest against the manifest schema.
func Validate(content []byte) error {
	sch, err := loadSchema()
	if err != nil {
		return eris.Wrap(err, "failed to compile the manifest schema")
	}

	jsonData, err := sigyaml.YAMLToJSON(content)
	if err != nil {
		return eris.Wrap(err, "failed to convert the manifest to JSON")
	}

	var document interface{}
	err = json.Unmarshal(jsonData, &document)
	if err != nil {
		return eris.Wrap(err, "failed to decode the manifest")
	}

	return sch.Validate(document)
}
