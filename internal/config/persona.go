package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Persona holds the conversational identity of the companion: the base
// system prompt and the greeting lines one of which is spoken when a call
// connects.
type Persona struct {
	// Name is a short label used in logs.
	Name string `yaml:"name"`

	// SystemPrompt is the base persona text; the orchestrator appends the
	// memory-key context before each session.
	SystemPrompt string `yaml:"system_prompt"`

	// Greetings is the fixed list the bridge picks a random entry from on
	// call start. Must be non-empty.
	Greetings []string `yaml:"greetings"`
}

// DefaultPersona is used when no PERSONA_PATH is configured.
var DefaultPersona = Persona{
	Name: "hearthline",
	SystemPrompt: "You are a warm, patient voice companion for an elderly " +
		"person living with dementia. Speak in short, clear sentences. Never " +
		"correct or contradict the caller about their memories. Use the " +
		"remember function when the caller shares personal details, and the " +
		"recall function before answering questions about their life. " +
		"Separate the parts of your reply with the • character so each part " +
		"can be spoken as soon as it is ready.",
	Greetings: []string{
		"Hello there! It's so lovely to hear from you. How are you feeling today?",
		"Hi! I was hoping you'd call. How has your day been so far?",
		"Hello! It's wonderful to talk with you again. What's on your mind today?",
	},
}

// LoadPersona reads a Persona from the YAML file at path. An empty path
// returns DefaultPersona.
func LoadPersona(path string) (Persona, error) {
	if path == "" {
		return DefaultPersona, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("config: read persona: %w", err)
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Persona{}, fmt.Errorf("config: parse persona: %w", err)
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultPersona.SystemPrompt
	}
	if len(p.Greetings) == 0 {
		p.Greetings = DefaultPersona.Greetings
	}
	if p.Name == "" {
		p.Name = DefaultPersona.Name
	}
	return p, nil
}
