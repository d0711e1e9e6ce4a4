package auth

import (
	"encoding/json"
	"sort"
	"strings"
)

type routeDoc struct {
	Method      string
	Path        string
	Summary     string
	Description string
	Tags        []string
}

type openAPISpec struct {
	OpenAPI string                 `json:"openapi"`
	Info    openAPIInfo            `json:"info"`
	Paths   map[string]openAPIPath `json:"paths"`
}

type openAPIInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

type openAPIPath map[string]openAPIOperation

type openAPIOperation struct {
	Summary     string                     `json:"summary,omitempty"`
	Description string                     `json:"description,omitempty"`
	Tags        []string                   `json:"tags,omitempty"`
	Responses   map[string]openAPIResponse `json:"responses"`
}

type openAPIResponse struct {
	Description string `json:"description"`
}

func buildOpenAPISpec(appName string, docs []routeDoc) ([]byte, error) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Path == docs[j].Path {
			return docs[i].Method < docs[j].Method
		}
		return docs[i].Path < docs[j].Path
	})

	spec := openAPISpec{
		OpenAPI: "3.0.3",
		Info: openAPIInfo{
			Title:   appName + " API",
			Version: Version,
		},
		Paths: map[string]openAPIPath{},
	}

	for _, d := range docs {
		if _, ok := spec.Paths[d.Path]; !ok {
			spec.Paths[d.Path] = openAPIPath{}
		}
		spec.Paths[d.Path][strings.ToLower(d.Method)] = openAPIOperation{
			Summary:     d.Summary,
			Description: d.Description,
			Tags:        d.Tags,
			Responses:   responsesFor(d),
		}
	}

	return json.MarshalIndent(spec, "", "  ")
}

// responsesFor lists what the gateway and handler can answer for a route.
// Callback routes are never rate limited, so they carry no 429.
func responsesFor(d routeDoc) map[string]openAPIResponse {
	out := map[string]openAPIResponse{
		"400": {Description: "Bad request"},
		"503": {Description: "Rate limiter unavailable"},
	}
	for _, tag := range d.Tags {
		if tag == "OAuth" {
			out["302"] = openAPIResponse{Description: "Redirect"}
			if strings.Contains(d.Path, "/callback/") {
				delete(out, "503")
				return out
			}
			out["429"] = openAPIResponse{Description: "Too many requests"}
			return out
		}
	}
	out["200"] = openAPIResponse{Description: "Success"}
	out["401"] = openAPIResponse{Description: "Unauthorized"}
	out["403"] = openAPIResponse{Description: "Forbidden"}
	out["429"] = openAPIResponse{Description: "Too many requests"}
	return out
}
