// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"fmt"

	"github.com/kadirpekel/argus/pkg/config"
	"github.com/kadirpekel/argus/pkg/model"
	"github.com/kadirpekel/argus/pkg/model/anthropic"
	"github.com/kadirpekel/argus/pkg/model/gemini"
)

// LLMFactory builds a model client for one provider entry. cfg.Model
// carries the resolved model name, request overrides included.
type LLMFactory func(provider string, cfg *config.ModelConfig) (model.LLM, error)

// DefaultLLMFactory creates LLM instances based on provider name.
func DefaultLLMFactory(provider string, cfg *config.ModelConfig) (model.LLM, error) {
	switch provider {
	case config.ProviderGemini:
		gcfg := gemini.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}
		if cfg.Temperature != nil {
			gcfg.Temperature = *cfg.Temperature
		}
		return gemini.New(gcfg)

	case config.ProviderAnthropic:
		client, err := anthropic.New(anthropic.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			BaseURL:     cfg.Host,
		})
		if err != nil {
			return nil, err
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unsupported model provider: %s", provider)
	}
}
