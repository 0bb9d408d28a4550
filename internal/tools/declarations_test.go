package tools

import (
	"strings"
	"testing"
)

const sampleDeclarations = `[
	{
		"name": "get_current_weather",
		"description": "Get the current weather for a location",
		"parameters": {
			"type": "object",
			"properties": {
				"location": {"type": "string", "description": "City name"},
				"units": {"type": "string", "description": "metric or imperial"}
			},
			"required": ["location"]
		}
	},
	{
		"name": "send_telegram_message",
		"description": "Send a message to the chat",
		"parameters": {
			"type": "object",
			"properties": {
				"text": {"type": "string"},
				"requires_user_response": {"type": "boolean"},
				"chat_id": {"type": "integer"},
				"payload": {"type": "object", "description": "complex, coerced"}
			},
			"required": ["text"]
		}
	}
]`

func TestParseDeclarations(t *testing.T) {
	decls, err := ParseDeclarations([]byte(sampleDeclarations))
	if err != nil {
		t.Fatalf("ParseDeclarations: %v", err)
	}
	if len(decls) != 2 {
		t.Fatalf("got %d declarations, want 2", len(decls))
	}

	weather := decls[0]
	params := weather.Params()
	if len(params) != 2 {
		t.Fatalf("weather params = %#v", params)
	}
	var location *Param
	for i := range params {
		if params[i].Name == "location" {
			location = &params[i]
		}
	}
	if location == nil || !location.Required || location.Type != TypeString {
		t.Errorf("location param = %#v", location)
	}
}

func TestParamsCoerceComplexTypes(t *testing.T) {
	decls, err := ParseDeclarations([]byte(sampleDeclarations))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range decls[1].Params() {
		if p.Name == "payload" && p.Type != TypeString {
			t.Errorf("object-typed param coerced to %q, want string", p.Type)
		}
		if p.Name == "requires_user_response" && p.Type != TypeBoolean {
			t.Errorf("boolean param type = %q", p.Type)
		}
	}
}

func TestParseDeclarationsRejectsBadShape(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not an array", `{"name": "x"}`},
		{"missing name", `[{"description": "no name"}]`},
		{"empty name", `[{"name": "", "description": "d"}]`},
		{"not json", `[{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDeclarations([]byte(tt.raw)); err == nil {
				t.Error("ParseDeclarations accepted invalid input")
			}
		})
	}
}

func TestRegisterDeclared(t *testing.T) {
	decls, err := ParseDeclarations([]byte(sampleDeclarations))
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(nil)
	for _, decl := range decls {
		b.RegisterDeclared(decl, noopHandler)
	}
	reg := b.Build()

	def, ok := reg.Get("get_current_weather")
	if !ok {
		t.Fatal("declared tool not registered")
	}
	if !strings.Contains(def.Description, "weather") {
		t.Errorf("description = %q", def.Description)
	}
	if len(def.Params) != 2 {
		t.Errorf("params = %#v", def.Params)
	}
}
