package security

import (
	"regexp"
	"strings"
)

// ThreatLevel orders screening severities.
type ThreatLevel int

const (
	ThreatNone ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "none"
	}
}

// Threat type identifiers.
const (
	ThreatInstructionOverride = "instruction_override"
	ThreatRoleManipulation    = "role_manipulation"
	ThreatPromptExtraction    = "prompt_extraction"
	ThreatDelimiterInjection  = "delimiter_injection"
	ThreatJailbreak           = "jailbreak"
	ThreatCodeExecution       = "code_execution"
	ThreatDataExfiltration    = "data_exfiltration"
)

// ScanResult is the outcome of screening one input.
type ScanResult struct {
	IsSafe      bool        `json:"is_safe"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	ThreatType  string      `json:"threat_type,omitempty"`
	Matched     string      `json:"-"`
}

type injectionPattern struct {
	re         *regexp.Regexp
	threatType string
	level      ThreatLevel
}

// Patterns cover English and French variants. Inputs are normalised
// before matching, so zero-width tricks do not bypass them.
var injectionPatterns = []injectionPattern{
	// Instruction override
	{regexp.MustCompile(`(?i)ignore\s+(all\s+|the\s+)?(previous|prior|above|earlier)\s+instructions`), ThreatInstructionOverride, ThreatHigh},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions|rules|guidelines)`), ThreatInstructionOverride, ThreatHigh},
	{regexp.MustCompile(`(?i)oublie[rz]?\s+(toutes?\s+)?(les\s+)?instructions\s+(precedentes|précédentes|anterieures|antérieures)`), ThreatInstructionOverride, ThreatHigh},
	{regexp.MustCompile(`(?i)ignore[rz]?\s+(les\s+)?(instructions|consignes)\s+(precedentes|précédentes)`), ThreatInstructionOverride, ThreatHigh},
	{regexp.MustCompile(`(?i)forget\s+(everything|all)\s+(you|above)`), ThreatInstructionOverride, ThreatMedium},

	// Role manipulation
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s`), ThreatRoleManipulation, ThreatHigh},
	{regexp.MustCompile(`(?i)tu\s+es\s+maintenant\s+(un|une|le|la)\s`), ThreatRoleManipulation, ThreatHigh},
	{regexp.MustCompile(`(?i)act\s+as\s+(if\s+you\s+(are|were)|a\s+different)`), ThreatRoleManipulation, ThreatMedium},
	{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`), ThreatRoleManipulation, ThreatMedium},

	// Prompt extraction
	{regexp.MustCompile(`(?i)(show|print|reveal|display)\s+(me\s+)?(your|the)\s+system\s+prompt`), ThreatPromptExtraction, ThreatHigh},
	{regexp.MustCompile(`(?i)(montre|affiche|revele|révèle)[a-z-]*\s+(moi\s+)?(ton|le)\s+(prompt|prompte)\s+(systeme|système)`), ThreatPromptExtraction, ThreatHigh},
	{regexp.MustCompile(`(?i)what\s+(are|were)\s+your\s+(initial\s+)?instructions`), ThreatPromptExtraction, ThreatMedium},

	// Delimiter injection
	{regexp.MustCompile(`<\|[a-z_]+\|>`), ThreatDelimiterInjection, ThreatCritical},
	{regexp.MustCompile(`(?i)\[/?INST\]`), ThreatDelimiterInjection, ThreatCritical},
	{regexp.MustCompile(`(?i)<<SYS>>`), ThreatDelimiterInjection, ThreatCritical},

	// Jailbreak phrases
	{regexp.MustCompile(`(?i)\bDAN\s+mode\b`), ThreatJailbreak, ThreatHigh},
	{regexp.MustCompile(`(?i)mode\s+sans\s+restriction`), ThreatJailbreak, ThreatHigh},
	{regexp.MustCompile(`(?i)developer\s+mode\s+enabled`), ThreatJailbreak, ThreatHigh},
	{regexp.MustCompile(`(?i)jailbreak`), ThreatJailbreak, ThreatMedium},

	// Code execution cues
	{regexp.MustCompile(`(?i)(execute|run)\s+(this\s+)?(shell|bash|python)?\s*(command|code|script)`), ThreatCodeExecution, ThreatMedium},
	{regexp.MustCompile(`(?i)(execute[rz]?|lance[rz]?)\s+(cette\s+|ce\s+)?(commande|code|script)`), ThreatCodeExecution, ThreatMedium},
	{regexp.MustCompile("(?i)`{3}\\s*(sh|bash|shell)"), ThreatCodeExecution, ThreatLow},

	// Data exfiltration cues
	{regexp.MustCompile(`(?i)(send|transmit|upload|post)\s+(all\s+)?(the\s+)?(data|files|secrets|keys|passwords)\s+to\s`), ThreatDataExfiltration, ThreatHigh},
	{regexp.MustCompile(`(?i)(envoie[rz]?|transmet[s]?)\s+(toutes?\s+)?(les\s+)?(donnees|données|fichiers|secrets|cles|clés|mots\s+de\s+passe)\s+(a|à|vers)\s`), ThreatDataExfiltration, ThreatHigh},
	{regexp.MustCompile(`(?i)(api[_\s-]?key|mot\s+de\s+passe|password)s?\s+(stored|enregistre|saved)`), ThreatDataExfiltration, ThreatLow},
}

// invisibleRunes are stripped before scanning: zero-width characters
// and Unicode line/paragraph separators enable trivial bypasses.
var invisibleReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // BOM
	"\u2060", "", // word joiner
	"\u2028", " ", // line separator
	"\u2029", " ", // paragraph separator
)

// Screener scans free-form user input for prompt-injection attempts.
// In strict mode (the default) anything at or above medium severity is
// rejected.
type Screener struct {
	Strict bool
}

func NewScreener() *Screener {
	return &Screener{Strict: true}
}

// Normalize removes invisible characters and collapses whitespace
// runs that hide injection phrases.
func Normalize(input string) string {
	return invisibleReplacer.Replace(input)
}

// Scan screens one input.
func (s *Screener) Scan(input string) ScanResult {
	normalized := Normalize(input)

	result := ScanResult{IsSafe: true, ThreatLevel: ThreatNone}

	for _, p := range injectionPatterns {
		if match := p.re.FindString(normalized); match != "" {
			if p.level > result.ThreatLevel {
				result.ThreatLevel = p.level
				result.ThreatType = p.threatType
				result.Matched = match
			}
		}
	}

	threshold := ThreatHigh
	if s.Strict {
		threshold = ThreatMedium
	}
	if result.ThreatLevel >= threshold {
		result.IsSafe = false
	}

	return result
}

// headerEscaper neutralises markdown structure markers inside
// untrusted content embedded in a larger prompt.
var headerEscaper = strings.NewReplacer(
	"---", "\\-\\-\\-",
	"###", "\\#\\#\\#",
)

// WrapUntrusted frames user-provided text (file contents, web results)
// with explicit source delimiters before it joins a prompt.
func WrapUntrusted(source, content string) string {
	escaped := headerEscaper.Replace(Normalize(content))
	return "[Source: " + source + "]\n" + escaped + "\n[End " + source + "]"
}
