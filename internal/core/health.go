package core

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	Env    string `json:"env"`
}

// HandleHealth reports liveness. It never calls downstream services, so it
// returns 200 whenever the process can serve HTTP.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, healthResponse{Status: "ok", Env: "ready"})
}
