package api

import (
	"net/http"

	"github.com/agentsh/interlock/internal/coordinator"
	"github.com/agentsh/interlock/internal/tools"
	"github.com/go-chi/chi/v5"
)

func (a *App) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Agents.List())
}

func (a *App) getAgent(w http.ResponseWriter, r *http.Request) {
	info, ok := a.Agents.Get(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "agent not found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req coordinator.SpawnRequest
	if !decodeJSON(w, r, &req, "") {
		return
	}
	info, err := a.Agents.Spawn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *App) terminateAgent(w http.ResponseWriter, r *http.Request) {
	if err := a.Agents.Terminate(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *App) executeTool(w http.ResponseWriter, r *http.Request) {
	args := tools.Args{}
	if r.ContentLength != 0 && !decodeJSON(w, r, &args, "args must be a JSON object of strings") {
		return
	}
	res, err := a.Agents.ExecuteTool(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "tool"), args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
