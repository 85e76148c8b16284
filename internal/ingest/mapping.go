// Package ingest turns raw leads (CSV rows, XLSX sheets, webhook
// payloads, manual entries) into quarantined companies. Column headers
// arrive in Portuguese, English or any mix of the two, so mapping is
// alias-driven rather than positional.
package ingest

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Canonical column identifiers a header can resolve to.
const (
	colCNPJ      = "cnpj"
	colName      = "name"
	colTradeName = "trade_name"
	colWebsite   = "website"
	colEmail     = "email"
	colPhone     = "phone"
	colSector    = "sector"
	colPorte     = "porte"
	colEmployees = "employees"
	colCapital   = "capital_social"
	colRevenue   = "revenue"
	colFounded   = "founded"
	colSituacao  = "situacao"
	colCNAE      = "cnae"
	colCNAEDesc  = "cnae_desc"
	colStreet    = "street"
	colCity      = "city"
	colUF        = "uf"
	colZip       = "zip"
	colSkip      = "__skip__"
)

// columnAliases maps folded header names to canonical columns. Keys are
// pre-folded: lowercase, accents stripped, punctuation collapsed to
// single spaces.
var columnAliases = map[string]string{
	// tax id
	"cnpj":      colCNPJ,
	"cpf cnpj":  colCNPJ,
	"cnpj cpf":  colCNPJ,
	"documento": colCNPJ,
	"registro":  colCNPJ,

	// legal name
	"razao social":            colName,
	"razao":                   colName,
	"razao social da empresa": colName,
	"denominacao social":      colName,
	"nome da empresa":         colName,
	"nome empresa":            colName,
	"nome":                    colName,
	"empresa":                 colName,
	"firma":                   colName,
	"company name":            colName,
	"business name":           colName,
	"corporate name":          colName,
	"legal name":              colName,
	"full name":               colName, // lead-ads forms

	// trade name
	"nome fantasia":  colTradeName,
	"fantasia":       colTradeName,
	"nome comercial": colTradeName,
	"trade name":     colTradeName,
	"trading name":   colTradeName,

	// contact
	"e mail":             colEmail,
	"email":              colEmail,
	"mail":               colEmail,
	"correio eletronico": colEmail,
	"contato email":      colEmail,
	"work email":         colEmail,
	"telefone":           colPhone,
	"telefone 1":         colPhone,
	"fone":               colPhone,
	"tel":                colPhone,
	"celular":            colPhone,
	"phone":              colPhone,
	"phone number":       colPhone,

	// web presence
	"website":  colWebsite,
	"site":     colWebsite,
	"url":      colWebsite,
	"homepage": colWebsite,
	"web":      colWebsite,
	"pagina":   colWebsite,

	// address
	"cep":                colZip,
	"codigo postal":      colZip,
	"postal code":        colZip,
	"logradouro":         colStreet,
	"endereco":           colStreet,
	"rua":                colStreet,
	"avenida":            colStreet,
	"address":            colStreet,
	"municipio":          colCity,
	"cidade":             colCity,
	"city":               colCity,
	"localidade":         colCity,
	"uf":                 colUF,
	"estado":             colUF,
	"state":              colUF,
	"unidade federativa": colUF,

	// classification
	"setor":               colSector,
	"segmento":            colSector,
	"ramo":                colSector,
	"area de atuacao":     colSector,
	"industry":            colSector,
	"porte":               colPorte,
	"porte empresa":       colPorte,
	"tamanho":             colPorte,
	"size":                colPorte,
	"cnae principal":      colCNAE,
	"cnae":                colCNAE,
	"codigo cnae":         colCNAE,
	"atividade":           colCNAE,
	"descricao cnae":      colCNAEDesc,
	"atividade economica": colCNAEDesc,
	"desc cnae":           colCNAEDesc,

	// firmographics
	"funcionarios":           colEmployees,
	"quadro de funcionarios": colEmployees,
	"colaboradores":          colEmployees,
	"employees":              colEmployees,
	"numero de funcionarios": colEmployees,
	"capital social":         colCapital,
	"capital":                colCapital,
	"faturamento estimado":   colRevenue,
	"faturamento":            colRevenue,
	"receita":                colRevenue,
	"revenue":                colRevenue,
	"data de abertura":       colFounded,
	"data fundacao":          colFounded,
	"fundacao":               colFounded,
	"situacao cadastral":     colSituacao,
	"status cadastral":       colSituacao,
	"situacao":               colSituacao,

	// present in exports but meaningless to the pipeline
	"regime tributario": colSkip,
	"identificador":     colSkip,
	"simples nacional":  colSkip,
}

var headerFolder = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// foldHeader lowercases a header, strips accents and collapses any run
// of punctuation or whitespace into one space, so "Razão Social",
// "razao_social" and "RAZAO-SOCIAL" share a key.
func foldHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if folded, _, err := transform.String(headerFolder, s); err == nil {
		s = folded
	}
	var b strings.Builder
	space := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// MapHeaders resolves each header to a canonical column, or "" when no
// alias matches. Unknown columns are carried along silently so a sheet
// with extra columns still imports.
func MapHeaders(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		folded := foldHeader(h)
		col, ok := columnAliases[folded]
		if !ok || col == colSkip {
			continue
		}
		out[i] = col
	}
	return out
}
