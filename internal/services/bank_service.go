package services

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
)

type Bank struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	LogoData string `json:"logoData"`
}

const (
	logosDir = "./static/bank-logos"
	demoSVG  = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><path d="M100 60c-22.1 0-40 17.9-40 40s17.9 40 40 40 40-17.9 40-40-17.9-40-40-40zm0 65c-13.8 0-25-11.2-25-25s11.2-25 25-25 25 11.2 25 25-11.2 25-25 25z" fill="#999"/><text x="100" y="170" text-anchor="middle" font-family="Arial" font-size="14" fill="#666">BANK</text></svg>`
)

var bankLogos = map[string]string{
	"SBU": "stanbic.svg",
	"CEN": "centenary.svg",
	"DFC": "dfcu.svg",
	"SCB": "standard-chartered.svg",
	"ABS": "absa.svg",
	"BOB": "baroda.svg",
	"HFB": "housing-finance.svg",
	"EQB": "equity.svg",
	"KCB": "kcb.svg",
	"DTB": "dtb.svg",
	"CIT": "citibank.svg",
	"TRO": "tropical.svg",
	"FTB": "finance-trust.svg",
	"ORI": "orient.svg",
	"CAI": "cairo.svg",
	"ECO": "ecobank.svg",
	"UBA": "uba.svg",
	"BOA": "bank-of-africa.svg",
	"NCB": "ncba.svg",
	"ABC": "abc-capital.svg",
	"OPP": "opportunity.svg",
	"PBU": "postbank.svg",
	"EXI": "exim.svg",
	"GTB": "gtbank.svg",
	"IML": "im-bank.svg",
	"SFL": "salaam.svg",
}

var ugandanBanks = []Bank{
	{Code: "SBU", Name: "Stanbic Bank Uganda"},
	{Code: "CEN", Name: "Centenary Bank"},
	{Code: "DFC", Name: "DFCU Bank"},
	{Code: "SCB", Name: "Standard Chartered Bank Uganda"},
	{Code: "ABS", Name: "Absa Bank Uganda"},
	{Code: "BOB", Name: "Bank of Baroda Uganda"},
	{Code: "HFB", Name: "Housing Finance Bank"},
	{Code: "EQB", Name: "Equity Bank Uganda"},
	{Code: "KCB", Name: "KCB Bank Uganda"},
	{Code: "DTB", Name: "Diamond Trust Bank Uganda"},
	{Code: "CIT", Name: "Citibank Uganda"},
	{Code: "TRO", Name: "Tropical Bank"},
	{Code: "FTB", Name: "Finance Trust Bank"},
	{Code: "ORI", Name: "Orient Bank"},
	{Code: "CAI", Name: "Cairo Bank Uganda"},
	{Code: "ECO", Name: "Ecobank Uganda"},
	{Code: "UBA", Name: "United Bank for Africa Uganda"},
	{Code: "BOA", Name: "Bank of Africa Uganda"},
	{Code: "NCB", Name: "NCBA Bank Uganda"},
	{Code: "ABC", Name: "ABC Capital Bank"},
	{Code: "OPP", Name: "Opportunity Bank Uganda"},
	{Code: "PBU", Name: "PostBank Uganda"},
	{Code: "EXI", Name: "Exim Bank Uganda"},
	{Code: "GTB", Name: "Guaranty Trust Bank Uganda"},
	{Code: "IML", Name: "I&M Bank Uganda"},
	{Code: "SFL", Name: "Salaam Bank Uganda"},
}

type BankService struct{}

func NewBankService() *BankService {
	return &BankService{}
}

// Lookup resolves a bank code to its directory entry. Used to validate
// withdrawal destinations before they are accepted.
func (bs *BankService) Lookup(code string) (*Bank, error) {
	for i := range ugandanBanks {
		if ugandanBanks[i].Code == code {
			return &ugandanBanks[i], nil
		}
	}
	return nil, ErrUnknownBank
}

func (bs *BankService) GetAllBanks(w http.ResponseWriter, r *http.Request) {
	banks := make([]Bank, len(ugandanBanks))
	copy(banks, ugandanBanks)

	for i := range banks {
		banks[i].LogoData = bs.LoadLogo(banks[i].Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	json.NewEncoder(w).Encode(banks)
}

func (bs *BankService) LoadLogo(code string) string {
	filename, ok := bankLogos[code]
	if !ok {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
	}

	path := filepath.Join(logosDir, filename)
	if data, err := os.ReadFile(path); err == nil {
		return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString(data)
	}

	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(demoSVG))
}
