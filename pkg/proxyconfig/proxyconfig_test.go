package proxyconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultRoutes() []RouteInput {
	return []RouteInput{
		{Endpoint: EndpointEditor, Port: 8080},
		{Endpoint: EndpointNotebook, Port: 8888},
	}
}

func TestBuildDocumentDefaultRoutes(t *testing.T) {
	w := New(t.TempDir(), "http://hydra.internal/auth/verify")

	doc := w.BuildDocument("alice", "student-alice-svc", defaultRoutes())

	require.Len(t, doc.Routes, 2)
	byEndpoint := map[string]Route{}
	for _, r := range doc.Routes {
		byEndpoint[r.Endpoint] = r
	}

	vscode := byEndpoint[EndpointEditor]
	assert.Equal(t, "/students/alice/vscode", vscode.PathPrefix)
	assert.True(t, vscode.StripPrefix)
	assert.True(t, vscode.AuthRequired)
	assert.Equal(t, 8080, vscode.ServicePort)

	// The notebook app requires the original path: no prefix strip.
	jupyter := byEndpoint[EndpointNotebook]
	assert.Equal(t, "/students/alice/jupyter", jupyter.PathPrefix)
	assert.False(t, jupyter.StripPrefix)
	assert.True(t, jupyter.AuthRequired)

	var kinds []string
	for _, mw := range doc.Middlewares {
		kinds = append(kinds, mw.Kind)
		if mw.Kind == "auth" {
			assert.Equal(t, "http://hydra.internal/auth/verify", mw.VerifyURL)
		}
	}
	assert.Contains(t, kinds, "auth")
	assert.Contains(t, kinds, "strip_prefix")
}

func TestWriteEmitsPerUserFile(t *testing.T) {
	root := t.TempDir()
	w := New(root, "http://hydra.internal/auth/verify")

	require.NoError(t, w.Write(w.BuildDocument("alice", "student-alice-svc", defaultRoutes())))

	raw, err := os.ReadFile(filepath.Join(root, "student-alice.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "/students/alice/vscode")
	assert.Contains(t, string(raw), "/students/alice/jupyter")
}

// Adding then removing a route must leave the emitted document
// byte-identical to the pre-add state, since the whole file is rewritten
// from the route set on every change.
func TestAddRemoveRouteRoundTripsByteIdentical(t *testing.T) {
	root := t.TempDir()
	w := New(root, "http://hydra.internal/auth/verify")
	path := filepath.Join(root, "student-alice.yaml")

	require.NoError(t, w.Write(w.BuildDocument("alice", "student-alice-svc", defaultRoutes())))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	withExtra := append(defaultRoutes(), RouteInput{Endpoint: "dash", Port: 3000})
	require.NoError(t, w.Write(w.BuildDocument("alice", "student-alice-svc", withExtra)))
	during, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, before, during)

	require.NoError(t, w.Write(w.BuildDocument("alice", "student-alice-svc", defaultRoutes())))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemoveToleratesMissingDocument(t *testing.T) {
	w := New(t.TempDir(), "http://hydra.internal/auth/verify")
	require.NoError(t, w.Remove("nobody"))
	require.NoError(t, w.Remove("nobody"))
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved(EndpointEditor))
	assert.True(t, IsReserved(EndpointNotebook))
	assert.False(t, IsReserved("dash"))
}
