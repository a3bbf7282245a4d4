package tools_test

import (
	"context"
	"math"
	"testing"
	"time"

	"mizan-engine/internal/tools"
)

func TestPrayerTimesCairo(t *testing.T) {
	tool := tools.NewTimeTool()
	params := tool.ExtractParameters("what time is maghrib in Cairo on 2026-03-01")

	result, err := tool.Invoke(context.Background(), params, tools.ToolContext{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	var out tools.TimeCalcResult
	if err := result.DecodePayload(&out); err != nil {
		t.Fatal(err)
	}
	if out.Prayer == nil {
		t.Fatal("Expected prayer times")
	}

	want := map[string]string{"fajr": "05:01", "sunrise": "06:21", "dhuhr": "12:07", "asr": "15:25", "maghrib": "17:54", "isha": "19:09"}
	for name, at := range want {
		if got := out.Prayer.Times[name]; got != at {
			t.Errorf("Expected %s at %s, got %s", name, at, got)
		}
	}
	if out.Prayer.Requested != "maghrib" {
		t.Errorf("Expected maghrib to be the requested prayer, got %q", out.Prayer.Requested)
	}
}

func TestPrayerTimesDefaultCityNote(t *testing.T) {
	tool := tools.NewTimeTool()
	now := time.Date(2026, 6, 21, 9, 0, 0, 0, time.UTC)

	result, err := tool.Invoke(context.Background(), map[string]any{"operation": "prayer_times"}, tools.ToolContext{Now: now})
	if err != nil {
		t.Fatal(err)
	}
	var out tools.TimeCalcResult
	if err := result.DecodePayload(&out); err != nil {
		t.Fatal(err)
	}
	if out.Prayer.City != "Mecca" || len(out.Prayer.Notes) == 0 {
		t.Errorf("Expected Mecca with a note, got %+v", out.Prayer)
	}
	if out.Prayer.Times["maghrib"] != "19:06" {
		t.Errorf("Expected maghrib 19:06 in Mecca, got %s", out.Prayer.Times["maghrib"])
	}
}

func TestGregorianToHijri(t *testing.T) {
	tests := []struct {
		date             string
		year, month, day int
	}{
		{"2026-02-18", 1447, 9, 1},
		{"2025-03-01", 1446, 9, 1},
		{"2024-07-07", 1445, 12, 30},
		{"2000-01-01", 1420, 9, 24},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			date, _ := time.Parse("2006-01-02", tt.date)
			got := tools.GregorianToHijri(date)
			if got.Year != tt.year || got.Month != tt.month || got.Day != tt.day {
				t.Errorf("Expected %d-%d-%d, got %d-%d-%d", tt.year, tt.month, tt.day, got.Year, got.Month, got.Day)
			}
		})
	}
}

func TestDaysUntil(t *testing.T) {
	tool := tools.NewTimeTool()
	params := tool.ExtractParameters("how many days until 2026-03-01")
	if params["operation"] != "days" {
		t.Fatalf("Expected days operation, got %v", params)
	}

	now := time.Date(2026, 1, 1, 15, 0, 0, 0, time.UTC)
	result, err := tool.Invoke(context.Background(), params, tools.ToolContext{Now: now})
	if err != nil {
		t.Fatal(err)
	}
	var out tools.TimeCalcResult
	if err := result.DecodePayload(&out); err != nil {
		t.Fatal(err)
	}
	if out.Days != 59 {
		t.Errorf("Expected 59 days, got %d", out.Days)
	}
}

func TestCalculateZakat(t *testing.T) {
	tests := []struct {
		name   string
		wealth float64
		nisab  float64
		due    float64
		notes  bool
	}{
		{"above nisab", 10000, 6000, 250, false},
		{"below nisab", 5000, 6000, 0, false},
		{"at nisab", 6000, 6000, 150, false},
		{"nisab unknown", 1000, 0, 25, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tools.CalculateZakat(tt.wealth, tt.nisab)
			if math.Abs(got.ZakatDue-tt.due) > 0.001 {
				t.Errorf("Expected %v due, got %v", tt.due, got.ZakatDue)
			}
			if (len(got.Notes) > 0) != tt.notes {
				t.Errorf("Unexpected notes %v", got.Notes)
			}
		})
	}
}

func TestCalculateInstallments(t *testing.T) {
	plan, err := tools.CalculateInstallments(10000, 0.05, 12)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Profit != 500 || plan.SalePrice != 10500 {
		t.Errorf("Expected 500 profit on 10500 sale price, got %v / %v", plan.Profit, plan.SalePrice)
	}

	total := 0.0
	for _, installment := range plan.Schedule {
		total += installment.Amount
	}
	if math.Abs(total-plan.SalePrice) > 0.001 {
		t.Errorf("Schedule sums to %v, expected %v", total, plan.SalePrice)
	}
	if last := plan.Schedule[len(plan.Schedule)-1]; last.Balance != 0 {
		t.Errorf("Expected zero closing balance, got %v", last.Balance)
	}

	if _, err := tools.CalculateInstallments(10000, 0.05, 0); err == nil {
		t.Error("Expected error for zero months")
	}
}

func TestInstallmentRoundingGoesToLastPayment(t *testing.T) {
	plan, err := tools.CalculateInstallments(1000, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Schedule[0].Amount != 333.33 || plan.Schedule[2].Amount != 333.34 {
		t.Errorf("Unexpected schedule %+v", plan.Schedule)
	}
}

func TestFinanceExtractParameters(t *testing.T) {
	tool := tools.NewFinanceTool()

	params := tool.ExtractParameters("how much zakat do I owe on $12,500 if nisab is 6000")
	if params["operation"] != "zakat" || params["amount"] != 12500.0 || params["nisab"] != 6000.0 {
		t.Errorf("Unexpected zakat parameters %v", params)
	}

	params = tool.ExtractParameters("murabaha installment on 20000 at 6% over 2 years")
	if params["operation"] != "installment" || params["amount"] != 20000.0 || params["months"] != 24.0 {
		t.Errorf("Unexpected installment parameters %v", params)
	}
	if rate, _ := params["profit_rate"].(float64); math.Abs(rate-0.06) > 1e-9 {
		t.Errorf("Expected 6%% profit rate, got %v", params["profit_rate"])
	}
}

func TestParseReferences(t *testing.T) {
	refs := tools.ParseReferences("Compare Quran 2:255 with Sahih Bukhari hadith 1 and bukhari 1 again")
	if len(refs) != 2 {
		t.Fatalf("Expected 2 distinct references, got %v", refs)
	}
	if refs[0].String() != "quran 2:255" || refs[1].String() != "bukhari 1" {
		t.Errorf("Unexpected references %v", refs)
	}
}
