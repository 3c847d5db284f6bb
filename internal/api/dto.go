package api

import (
	"github.com/samcharles93/loom/internal/adapters"
)

// LoadAdapterRequest loads an adapter from a local path or URL.
type LoadAdapterRequest struct {
	Path      string                  `json:"path,omitempty"`
	URL       string                  `json:"url,omitempty"`
	Name      string                  `json:"name,omitempty"`
	Prefix    string                  `json:"prefix,omitempty"`
	LowMemory bool                    `json:"low_memory,omitempty"`
	Weight    *adapters.AdapterWeight `json:"weight,omitempty"`
}

type LoadAdapterResponse struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Name   string `json:"name"`
}

// ActivateRequest selects the active adapter set. Weights is optional; when
// present it carries one scalar or per-block entry per name.
type ActivateRequest struct {
	Names   []string                 `json:"names"`
	Weights []adapters.AdapterWeight `json:"weights,omitempty"`
}

type FuseRequest struct {
	Scale float64  `json:"scale,omitempty"`
	Safe  bool     `json:"safe,omitempty"`
	Names []string `json:"names,omitempty"`
}

type ListAdaptersResponse struct {
	Object string          `json:"object"`
	Data   []adapters.Info `json:"data"`
}

type DeleteAdapterResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Name    string `json:"name,omitempty"`
	Deleted bool   `json:"deleted"`
}

type OperationResponse struct {
	ID     string   `json:"id"`
	Object string   `json:"object"`
	Active []string `json:"active,omitempty"`
}

// ResponseError is the error envelope body.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
