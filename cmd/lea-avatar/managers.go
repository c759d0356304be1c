package main

import (
	"log"

	"github.com/sjawhar/lea-avatar/internal/backend"
	"github.com/sjawhar/lea-avatar/internal/config"
	"github.com/sjawhar/lea-avatar/internal/llm"
	"github.com/sjawhar/lea-avatar/internal/response"
	"github.com/sjawhar/lea-avatar/internal/speech"
	"github.com/sjawhar/lea-avatar/internal/talk"
)

type managers struct {
	speech   *speech.Manager
	talk     *talk.Manager
	response *response.Manager
}

// newManagers builds the speak, talk and reply managers. Talk and reply both
// answer in the output language; the input language only configures
// transcription.
func newManagers(cfg config.Config, gateway *backend.Gateway, history *llm.History) managers {
	speechMgr := speech.NewManager(gateway)
	return managers{
		speech:   speechMgr,
		talk:     talk.NewManager(gateway, speechMgr, cfg.OutputLanguage),
		response: response.NewManager(newGenerator(cfg, gateway, history), cfg.OutputLanguage),
	}
}

// newGenerator picks the reply source: a local LLM when configured, the
// backend otherwise.
func newGenerator(cfg config.Config, gateway *backend.Gateway, history *llm.History) response.Generator {
	if cfg.ResponseMode != config.ResponseModeLocal {
		return response.BackendGenerator{Backend: gateway}
	}

	provider, model, err := llm.ParseModel(cfg.LLMModel)
	if err != nil {
		log.Printf("warning: %v, using backend replies", err)
		return response.BackendGenerator{Backend: gateway}
	}
	client, err := llm.NewClient(provider, cfg.LLMAPIKey(provider), model)
	if err != nil {
		log.Printf("warning: llm client unavailable, using backend replies: %v", err)
		return response.BackendGenerator{Backend: gateway}
	}
	log.Printf("replies generated locally by %s/%s", provider, model)
	return response.LLMGenerator{Client: client, History: history}
}
