package analyzer

import (
	"regexp"
	"strings"

	"github.com/lexflow/lexflow/types"
)

// 规则路径：LLM 不可用或被禁用时分析仍然可用，只是质量下降。

// intentPatterns 意图规则。顺序即优先级：报告/差距分析的显式请求
// 优先于一般解释类措辞。
var intentPatterns = []struct {
	intent   types.Intent
	keywords []string
}{
	{types.IntentReport, []string{"generate a report", "full report", "write a report", "detailed report", "prepare a report"}},
	{types.IntentGapAnalysis, []string{"gap analysis", "gap assessment", "compliance gap", "check our policy", "review our policy", "against our"}},
	{types.IntentComparison, []string{"compare", "difference between", "versus", " vs ", "differ from"}},
	{types.IntentInstruction, []string{"how do we", "how do i", "how to", "steps to", "what must we do", "procedure for"}},
	{types.IntentExplanation, []string{"what is", "what are", "explain", "why", "describe", "meaning of", "define"}},
}

func detectIntentByRules(text string) (types.Intent, float64, bool) {
	lower := strings.ToLower(text)
	for _, p := range intentPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.intent, 0.8, true
			}
		}
	}
	return "", 0, false
}

// synonymMap 监管领域同义词，规则扩展用
var synonymMap = map[string][]string{
	"capital":      {"own funds", "capital adequacy"},
	"requirements": {"obligations", "provisions"},
	"credit risk":  {"counterparty risk", "default risk"},
	"reporting":    {"disclosure", "notification"},
	"outsourcing":  {"third-party arrangements"},
	"liquidity":    {"liquidity coverage", "LCR"},
	"governance":   {"internal governance", "oversight"},
	"sanction":     {"penalty", "enforcement measure"},
	"kyc":          {"customer due diligence", "know your customer"},
	"aml":          {"anti-money laundering"},
}

func expandWithRules(text string) []string {
	lower := strings.ToLower(text)
	var extra []string
	for term, synonyms := range synonymMap {
		if strings.Contains(lower, term) {
			extra = append(extra, synonyms...)
		}
	}
	return extra
}

// 正则实体抽取：法规名、条款引用、司法辖区
var (
	regulationRe  = regexp.MustCompile(`(?i)\b(Basel\s+I{1,3}V?|CRR\s*I{0,3}|CRD\s*[IV]*|MiFID\s*I{0,2}|GDPR|DORA|PSD\s*2|Solvency\s*I{1,2}|EMIR|AIFMD|UCITS|MAR|SFDR)\b`)
	requirementRe = regexp.MustCompile(`(?i)\b(?:Art(?:icle)?\.?\s*\d+[a-z]?(?:\(\d+\))?|§\s*\d+[a-z]?|Section\s+\d+[a-z]?)\b`)
	jurisdictionRe = regexp.MustCompile(`(?i)\b(EU|European Union|EEA|Germany|France|UK|United Kingdom|Switzerland|US|United States)\b`)
)

var processKeywords = []string{
	"credit approval", "loan origination", "onboarding", "customer due diligence",
	"transaction monitoring", "stress testing", "risk assessment", "incident reporting",
}

func extractEntities(text string) []types.Entity {
	var entities []types.Entity
	seen := make(map[string]bool)

	add := func(t types.EntityType, value string) {
		key := string(t) + ":" + strings.ToLower(value)
		if !seen[key] {
			seen[key] = true
			entities = append(entities, types.Entity{Type: t, Value: value})
		}
	}

	for _, m := range regulationRe.FindAllString(text, -1) {
		add(types.EntityRegulation, strings.Join(strings.Fields(m), " "))
	}
	for _, m := range requirementRe.FindAllString(text, -1) {
		add(types.EntityRequirement, m)
	}
	for _, m := range jurisdictionRe.FindAllString(text, -1) {
		add(types.EntityJurisdiction, m)
	}
	lower := strings.ToLower(text)
	for _, kw := range processKeywords {
		if strings.Contains(lower, kw) {
			add(types.EntityProcess, kw)
		}
	}

	return entities
}

// shouldDecompose 判断查询是否含多个独立的监管问题。
// 触发条件：多个问号，或跨主题连词连接两个疑问结构。
func shouldDecompose(text string) bool {
	if strings.Count(text, "?") > 1 {
		return true
	}
	lower := strings.ToLower(text)
	questionWords := []string{"what", "how", "which", "when", "why", "who"}
	count := 0
	for _, w := range questionWords {
		count += strings.Count(lower, w+" ")
	}
	return count >= 2 && (strings.Contains(lower, " and ") || strings.Contains(lower, "; "))
}

// decomposeByRules 按问号与分号切分
func decomposeByRules(text string) []string {
	var subs []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == '?' || r == ';' }) {
		part = strings.TrimSpace(part)
		if len(part) > 10 {
			subs = append(subs, part+"?")
		}
	}
	return subs
}
