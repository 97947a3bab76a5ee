// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"github.com/a2aproject/a2a-go/a2a"

	"github.com/kadirpekel/codebridge/pkg/config"
)

// AgentCardPathLegacy is the card path used by pre-0.3 A2A clients.
const AgentCardPathLegacy = "/.well-known/agent.json"

// BuildAgentCard creates the A2A agent card from configuration.
// Security schemes are advertised only when authentication is enabled.
func BuildAgentCard(cfg *config.Config) *a2a.AgentCard {
	cc := cfg.Card

	skills := make([]a2a.AgentSkill, 0, len(cc.Skills))
	for _, skill := range cc.Skills {
		skills = append(skills, a2a.AgentSkill{
			ID:          skill.ID,
			Name:        skill.Name,
			Description: skill.Description,
			Tags:        skill.Tags,
			Examples:    skill.Examples,
		})
	}

	transport := a2a.TransportProtocolJSONRPC
	if cfg.Server.Transport == config.TransportGRPC {
		transport = a2a.TransportProtocolGRPC
	}

	card := &a2a.AgentCard{
		Name:               cc.Name,
		Description:        cc.Description,
		URL:                cc.PublicURL(&cfg.Server),
		Version:            cc.Version,
		ProtocolVersion:    "1.0",
		DocumentationURL:   cc.DocumentationURL,
		DefaultInputModes:  cc.InputModes,
		DefaultOutputModes: cc.OutputModes,
		Skills:             skills,
		Capabilities: a2a.AgentCapabilities{
			Streaming:              config.BoolValue(cc.Streaming, true),
			PushNotifications:      false,
			StateTransitionHistory: false,
		},
		PreferredTransport: transport,
	}
	if cc.Provider != nil {
		card.Provider = &a2a.AgentProvider{
			Org: cc.Provider.Organization,
			URL: cc.Provider.URL,
		}
	}

	if cfg.Server.Auth.IsEnabled() {
		card.SecuritySchemes = a2a.NamedSecuritySchemes{
			"BearerAuth": a2a.HTTPAuthSecurityScheme{
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "JWT Bearer token authentication",
			},
		}
		card.Security = []a2a.SecurityRequirements{
			{"BearerAuth": a2a.SecuritySchemeScopes{}},
		}
	}
	return card
}
