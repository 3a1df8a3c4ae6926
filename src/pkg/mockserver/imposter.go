package mockserver

import "encoding/json"

// Imposter is a mountebank stub definition listening on one port
type Imposter struct {
	Protocol       string                  `json:"protocol"`
	Port           int                     `json:"port"`
	RecordRequests bool                    `json:"recordRequests"`
	Stubs          []Stub                  `json:"stubs"`
	Services       map[string]ProtoService `json:"services,omitempty"`
	Options        *ImposterOptions        `json:"options,omitempty"`
}

type Stub struct {
	Responses []Response `json:"responses"`
}

type Response struct {
	Proxy *Proxy `json:"proxy,omitempty"`
}

// Proxy forwards requests to a real backend and records the responses
type Proxy struct {
	To                  string               `json:"to"`
	Mode                string               `json:"mode"`
	PredicateGenerators []PredicateGenerator `json:"predicateGenerators"`
	AddWaitBehavior     bool                 `json:"addWaitBehavior"`
}

// PredicateGenerator selects the request fields recorded responses are matched on
type PredicateGenerator struct {
	Matches map[string]bool `json:"matches"`
}

// ProtoService points a gRPC service at its proto file
type ProtoService struct {
	File string `json:"file"`
}

type ImposterOptions struct {
	Protobufjs *ProtobufjsOptions `json:"protobufjs,omitempty"`
}

type ProtobufjsOptions struct {
	IncludeDirs []string `json:"includeDirs"`
}

// Document is the mountebank config file. Imposters loaded from user files are kept verbatim.
type Document struct {
	Imposters []json.RawMessage `json:"imposters"`
}

// GrpcOptions returns the options mountebank needs to decode gRPC traffic
func GrpcOptions() *ImposterOptions {
	return &ImposterOptions{
		Protobufjs: &ProtobufjsOptions{IncludeDirs: []string{PROTO_INCLUDE_DIR}},
	}
}

// NewProxyImposter builds an imposter that proxies every request to target and
// records the responses, matching them by request path on replay.
func NewProxyImposter(protocol string, port int, target string) *Imposter {
	return &Imposter{
		Protocol:       protocol,
		Port:           port,
		RecordRequests: true,
		Stubs: []Stub{{
			Responses: []Response{{
				Proxy: &Proxy{
					To:   target,
					Mode: PROXY_MODE_ALWAYS,
					PredicateGenerators: []PredicateGenerator{{
						Matches: map[string]bool{"path": true},
					}},
					AddWaitBehavior: true,
				},
			}},
		}},
	}
}
