package server

import (
	"net/http"

	"github.com/raterudder/agilerudder/pkg/ess"
	"github.com/raterudder/agilerudder/pkg/utility"
)

func (s *Server) handleListTariffs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, utility.Providers())
}

func (s *Server) handleListInverters(w http.ResponseWriter, r *http.Request) {
	inverters := ess.Providers()
	if s.showHidden {
		for i := range inverters {
			inverters[i].Hidden = false
		}
	}
	writeJSON(w, inverters)
}
