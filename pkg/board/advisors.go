// Package board runs five-advisor deliberations: parallel streaming
// opinions, then a synthesised recommendation.
package board

import (
	"log/slog"
	"sync"

	"github.com/therese-ai/therese/pkg/config"
)

// Advisor is one fixed board identity.
type Advisor struct {
	Role              string
	Name              string
	Emoji             string
	PreferredProvider config.ProviderType
	SystemPrompt      string
}

// The five advisors are static. Their preferred providers must be
// pairwise distinct so opinions come from genuinely different models.
var advisors = []Advisor{
	{
		Role:              "strategie",
		Name:              "Marc",
		Emoji:             "📈",
		PreferredProvider: config.ProviderAnthropic,
		SystemPrompt: `Tu es Marc, conseiller en strategie d'entreprise au conseil de direction.
Tu analyses la question sous l'angle du positionnement, de la croissance et du long terme.
Donne un avis tranche en quelques paragraphes, avec des exemples concrets de petites entreprises.`,
	},
	{
		Role:              "finance",
		Name:              "Sophie",
		Emoji:             "💰",
		PreferredProvider: config.ProviderOpenAI,
		SystemPrompt: `Tu es Sophie, directrice financiere au conseil de direction.
Tu analyses la question sous l'angle de la tresorerie, des marges et du risque financier.
Chiffre tes arguments des que possible et signale les hypotheses fragiles.`,
	},
	{
		Role:              "marketing",
		Name:              "Leila",
		Emoji:             "📣",
		PreferredProvider: config.ProviderGemini,
		SystemPrompt: `Tu es Leila, experte marketing et acquisition client au conseil de direction.
Tu analyses la question sous l'angle du client: demande, perception, canaux, prix.
Propose une action marketing concrete liee a la decision.`,
	},
	{
		Role:              "operations",
		Name:              "Hugo",
		Emoji:             "⚙️",
		PreferredProvider: config.ProviderMistral,
		SystemPrompt: `Tu es Hugo, responsable des operations au conseil de direction.
Tu analyses la question sous l'angle de l'execution: capacite, delais, outils, fournisseurs.
Identifie le principal goulot d'etranglement et comment le lever.`,
	},
	{
		Role:              "risque",
		Name:              "Claire",
		Emoji:             "⚖️",
		PreferredProvider: config.ProviderGrok,
		SystemPrompt: `Tu es Claire, juriste et gestionnaire des risques au conseil de direction.
Tu analyses la question sous l'angle reglementaire, contractuel et assurantiel.
Liste les deux ou trois risques majeurs et comment les contenir.`,
	},
}

var validateOnce sync.Once

// Advisors returns the fixed set, checking provider distinctness once.
// A duplicate logs a warning but does not fail: the engine falls back
// to the default provider for the duplicates.
func Advisors() []Advisor {
	validateOnce.Do(func() {
		seen := make(map[config.ProviderType]string, len(advisors))
		for _, a := range advisors {
			if prev, dup := seen[a.PreferredProvider]; dup {
				slog.Warn("advisors share a preferred provider",
					"provider", a.PreferredProvider, "advisors", prev+","+a.Role)
			}
			seen[a.PreferredProvider] = a.Role
		}
	})
	return advisors
}
