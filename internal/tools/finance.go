package tools

import (
	"context"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mizan-engine/internal/models"
)

const FinanceCalcTool = "finance_calc"

const (
	ZakatRate        = 0.025
	NisabGoldGrams   = 85.0
	NisabSilverGrams = 595.0
)

var (
	amountPattern  = regexp.MustCompile(`(?i)(?:\$|usd|eur|gbp|sar|aed)?\s*(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d+))?`)
	percentPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:%|percent)`)
	monthsPattern  = regexp.MustCompile(`(?i)(\d+)\s*months?`)
	yearsPattern   = regexp.MustCompile(`(?i)(\d+)\s*years?`)
	nisabPattern   = regexp.MustCompile(`(?i)nisab\s*(?:of|is|=)?\s*(\d{1,3}(?:,\d{3})+|\d+(?:\.\d+)?)`)
	goldPattern    = regexp.MustCompile(`(?i)gold\s*(?:price)?\s*(?:is|at|of)?\s*(\d+(?:\.\d+)?)\s*(?:per|/)\s*(?:gram|g)\b`)
)

type ZakatResult struct {
	Wealth     float64  `json:"wealth"`
	Nisab      float64  `json:"nisab,omitempty"`
	AboveNisab bool     `json:"above_nisab"`
	ZakatDue   float64  `json:"zakat_due"`
	Rate       float64  `json:"rate"`
	Notes      []string `json:"notes,omitempty"`
}

type Installment struct {
	Number  int     `json:"number"`
	Amount  float64 `json:"amount"`
	Balance float64 `json:"balance"`
}

type InstallmentPlan struct {
	CostPrice   float64       `json:"cost_price"`
	ProfitRate  float64       `json:"profit_rate"`
	Months      int           `json:"months"`
	SalePrice   float64       `json:"sale_price"`
	Profit      float64       `json:"profit"`
	Monthly     float64       `json:"monthly"`
	Schedule    []Installment `json:"schedule"`
	Description string        `json:"description"`
}

type FinanceResult struct {
	Operation   string           `json:"operation"`
	Zakat       *ZakatResult     `json:"zakat,omitempty"`
	Installment *InstallmentPlan `json:"installment,omitempty"`
}

type FinanceTool struct{}

func NewFinanceTool() *FinanceTool { return &FinanceTool{} }

func (t *FinanceTool) Name() string { return FinanceCalcTool }

func (t *FinanceTool) DeclaredDependencies() []string { return nil }

func (t *FinanceTool) TTL() time.Duration { return 24 * time.Hour }

func (t *FinanceTool) CacheKey(params map[string]any, tctx ToolContext) string {
	return models.HashKey(FinanceCalcTool, params)
}

func (t *FinanceTool) ExtractParameters(clause string) map[string]any {
	params := map[string]any{}
	lowered := strings.ToLower(clause)

	if m := nisabPattern.FindStringSubmatch(clause); m != nil {
		params["nisab"] = parseAmount(m[1])
		clause = strings.Replace(clause, m[0], " ", 1)
	}
	if m := goldPattern.FindStringSubmatch(clause); m != nil {
		params["gold_price_per_gram"] = parseAmount(m[1])
		clause = strings.Replace(clause, m[0], " ", 1)
	}

	if strings.Contains(lowered, "installment") || strings.Contains(lowered, "murabaha") {
		params["operation"] = "installment"
		if m := percentPattern.FindStringSubmatch(clause); m != nil {
			params["profit_rate"] = parseAmount(m[1]) / 100
			clause = strings.Replace(clause, m[0], " ", 1)
		}
		if m := monthsPattern.FindStringSubmatch(clause); m != nil {
			params["months"] = parseAmount(m[1])
			clause = strings.Replace(clause, m[0], " ", 1)
		} else if m := yearsPattern.FindStringSubmatch(clause); m != nil {
			params["months"] = parseAmount(m[1]) * 12
			clause = strings.Replace(clause, m[0], " ", 1)
		}
	} else {
		params["operation"] = "zakat"
	}

	if m := amountPattern.FindStringSubmatch(clause); m != nil {
		amount := parseAmount(m[1])
		if m[2] != "" {
			amount = parseAmount(m[1] + "." + m[2])
		}
		params["amount"] = amount
	}
	return params
}

func (t *FinanceTool) Invoke(ctx context.Context, params map[string]any, tctx ToolContext) (*models.ToolResult, error) {
	amount, ok := floatParam(params, "amount")
	if !ok || amount <= 0 {
		return nil, models.ErrInvalidParameters.WithMetadata("amount", params["amount"])
	}

	switch stringParam(params, "operation") {
	case "", "zakat":
		nisab, _ := floatParam(params, "nisab")
		if gold, ok := floatParam(params, "gold_price_per_gram"); ok && nisab == 0 {
			nisab = gold * NisabGoldGrams
		}
		zakat := CalculateZakat(amount, nisab)
		return models.NewSuccessResult(FinanceCalcTool, FinanceResult{Operation: "zakat", Zakat: &zakat}, 1.0)
	case "installment":
		rate, _ := floatParam(params, "profit_rate")
		months, _ := floatParam(params, "months")
		plan, err := CalculateInstallments(amount, rate, int(months))
		if err != nil {
			return nil, err
		}
		return models.NewSuccessResult(FinanceCalcTool, FinanceResult{Operation: "installment", Installment: plan}, 1.0)
	default:
		return nil, models.ErrInvalidParameters.WithMetadata("operation", stringParam(params, "operation"))
	}
}

// CalculateZakat applies 2.5% to wealth at or above nisab. A zero nisab skips the
// threshold check.
func CalculateZakat(wealth, nisab float64) ZakatResult {
	result := ZakatResult{Wealth: wealth, Nisab: nisab, Rate: ZakatRate}
	if nisab <= 0 {
		result.AboveNisab = true
		result.Notes = append(result.Notes, "nisab not provided; assuming wealth is above nisab and held for a full lunar year")
	} else {
		result.AboveNisab = wealth >= nisab
	}
	if result.AboveNisab {
		result.ZakatDue = roundCents(wealth * ZakatRate)
	}
	return result
}

// CalculateInstallments builds a murabaha schedule: a fixed markup on the cost price
// (annual rate pro-rated over the term) split into equal monthly payments. The last
// payment absorbs rounding.
func CalculateInstallments(costPrice, annualRate float64, months int) (*InstallmentPlan, error) {
	if months <= 0 || months > 600 {
		return nil, models.ErrInvalidParameters.WithMetadata("months", months)
	}
	if annualRate < 0 || annualRate > 1 {
		return nil, models.ErrInvalidParameters.WithMetadata("profit_rate", annualRate)
	}

	profit := roundCents(costPrice * annualRate * float64(months) / 12)
	salePrice := roundCents(costPrice + profit)
	monthly := roundCents(salePrice / float64(months))

	schedule := make([]Installment, months)
	balance := salePrice
	for i := 0; i < months; i++ {
		payment := monthly
		if i == months-1 {
			payment = roundCents(balance)
		}
		balance = roundCents(balance - payment)
		schedule[i] = Installment{Number: i + 1, Amount: payment, Balance: balance}
	}

	return &InstallmentPlan{
		CostPrice:   costPrice,
		ProfitRate:  annualRate,
		Months:      months,
		SalePrice:   salePrice,
		Profit:      profit,
		Monthly:     monthly,
		Schedule:    schedule,
		Description: "fixed sale price agreed upfront; no charge accrues on late payment",
	}, nil
}

func parseAmount(raw string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
