// Package proxyconfig generates the declarative per-user route document an
// external reverse proxy hot-reloads (spec.md §4.6). It is modeled on
// warren/pkg/ingress's Router/types.Ingress/types.IngressPath matching
// rules (longest-prefix match, exact-vs-prefix PathType) and
// pkg/ingress/middleware.go's named-middleware style, generalized from an
// in-process router into an emitted YAML document, written atomically via
// pkg/fsatomic exactly as pkg/sshmux writes its files.
package proxyconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hydra/pkg/fsatomic"
)

// Reserved endpoint names the container service also refuses for
// add_route/remove_route (spec.md §4.2); proxyconfig re-exports them so
// the document generator and the validating caller share one definition.
const (
	EndpointEditor   = "vscode"
	EndpointNotebook = "jupyter"
)

// PathType mirrors warren/pkg/ingress's types.IngressPath.PathType vocabulary.
type PathType string

const (
	PathTypePrefix PathType = "prefix"
	PathTypeExact  PathType = "exact"
)

// Route is one emitted router entry.
type Route struct {
	Endpoint     string   `yaml:"endpoint"`
	PathPrefix   string   `yaml:"path_prefix"`
	PathType     PathType `yaml:"path_type"`
	ServiceName  string   `yaml:"service_name"`
	ServicePort  int      `yaml:"service_port"`
	StripPrefix  bool     `yaml:"strip_prefix"`
	AuthRequired bool     `yaml:"auth_required"`
}

// Middleware is a named middleware reference, modeled on
// pkg/ingress/middleware.go's header/path-rewrite middleware objects but
// emitted as declarative config instead of executed in-process; the actual
// check runs in C11's /auth/verify.
type Middleware struct {
	Name       string `yaml:"name"`
	Kind       string `yaml:"kind"` // "auth" | "strip_prefix"
	VerifyURL  string `yaml:"verify_url,omitempty"`
	PathPrefix string `yaml:"path_prefix,omitempty"`
}

// Document is the full per-user route document written to
// proxy_dynamic_root/student-<username>.yaml.
type Document struct {
	Username    string       `yaml:"username"`
	Routes      []Route      `yaml:"routes"`
	Middlewares []Middleware `yaml:"middlewares"`
}

// Writer emits per-user route documents under Root.
type Writer struct {
	Root      string
	VerifyURL string // C11's /auth/verify callback, trusted by the proxy
}

// New returns a Writer rooted at root, pointing auth middlewares at
// verifyURL.
func New(root, verifyURL string) *Writer {
	return &Writer{Root: root, VerifyURL: verifyURL}
}

// BuildDocument composes the full document for a user from their
// registered routes: the two default routes (editor, notebook) plus any
// additional ones, each carrying an auth middleware and, for non-notebook
// endpoints, a strip-prefix middleware (spec.md §4.6).
func (w *Writer) BuildDocument(username, serviceName string, routes []RouteInput) Document {
	authMW := Middleware{Name: "auth", Kind: "auth", VerifyURL: w.VerifyURL}

	doc := Document{Username: username, Middlewares: []Middleware{authMW}}
	sorted := append([]RouteInput(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Endpoint < sorted[j].Endpoint })

	for _, r := range sorted {
		stripPrefix := r.Endpoint != EndpointNotebook
		route := Route{
			Endpoint:     r.Endpoint,
			PathPrefix:   fmt.Sprintf("/students/%s/%s", username, r.Endpoint),
			PathType:     PathTypePrefix,
			ServiceName:  serviceName,
			ServicePort:  r.Port,
			StripPrefix:  stripPrefix,
			AuthRequired: true,
		}
		doc.Routes = append(doc.Routes, route)
		if stripPrefix {
			doc.Middlewares = append(doc.Middlewares, Middleware{
				Name:       "strip-" + r.Endpoint,
				Kind:       "strip_prefix",
				PathPrefix: route.PathPrefix,
			})
		}
	}
	return doc
}

// RouteInput is one endpoint-to-port pair BuildDocument composes into a
// Route.
type RouteInput struct {
	Endpoint string
	Port     int
}

// Write atomically (re)writes a user's route document.
func (w *Writer) Write(doc Document) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("proxyconfig: marshal document: %w", err)
	}
	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		return fmt.Errorf("proxyconfig: create root: %w", err)
	}
	return fsatomic.WriteFile(w.path(doc.Username), raw, 0o644)
}

// Remove deletes a user's route document (destroy/wipe), tolerating one
// that is already gone.
func (w *Writer) Remove(username string) error {
	if err := os.Remove(w.path(username)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("proxyconfig: remove document: %w", err)
	}
	return nil
}

func (w *Writer) path(username string) string {
	return filepath.Join(w.Root, fmt.Sprintf("student-%s.yaml", username))
}

// IsReserved reports whether endpoint is one of the two reserved
// auto-managed endpoint names.
func IsReserved(endpoint string) bool {
	return endpoint == EndpointEditor || endpoint == EndpointNotebook
}
