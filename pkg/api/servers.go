package api

import (
	"net/http"
)

type serverStatus struct {
	Name         string `json:"name"`
	Role         string `json:"role"`
	Reachable    bool   `json:"reachable"`
	Ready        bool   `json:"ready"`
	GPUAvailable bool   `json:"gpu_available"`
	Error        string `json:"error,omitempty"`
}

// serversStatus answers /servers/status (spec.md §4.9): a fan-out read
// across every node the catalog names, each queried independently so one
// unreachable node never hides the rest.
func (a *api) serversStatus(w http.ResponseWriter, r *http.Request) {
	nodes := a.catalog.Nodes()
	out := make([]serverStatus, 0, len(nodes))

	for _, n := range nodes {
		st := serverStatus{Name: n.Name, Role: string(n.Role)}
		health, err := a.backend.NodeHealth(r.Context(), n.Name)
		if err != nil {
			st.Error = err.Error()
			out = append(out, st)
			continue
		}
		st.Reachable = health.Reachable
		st.Ready = health.Ready
		st.GPUAvailable = health.GPUAvailable
		out = append(out, st)
	}

	writeJSON(w, out)
}
