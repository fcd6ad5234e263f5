package sites

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bookprices/bookprices/parser"
)

// Extraction is the outcome of reading a price from a page: either raw price
// text or a reason the page legitimately has no price.
type Extraction struct {
	Raw    string
	Reason string
	found  bool
}

// Found wraps raw price text.
func Found(raw string) Extraction {
	return Extraction{Raw: raw, found: true}
}

// Absent records that the page has no price, e.g. out of stock.
func Absent(reason string) Extraction {
	return Extraction{Reason: reason}
}

// OK reports whether a price was found.
func (e Extraction) OK() bool {
	return e.found
}

// Extractor reads a price from a parsed product page. It never fails:
// anything unexpected on the page is reported as Absent.
type Extractor func(doc *goquery.Document) Extraction

var extractors = map[string]Extractor{
	"adelphi":     selectorPrice("div.book-impressum-price span.sale"),
	"buecher":     selectorPrice("div.clearfix.price-shipping-free"),
	"feltrinelli": extractFeltrinelli,
	"hoepli":      extractHoepli,
	"hugendubel":  selectorPrice("div.current-price span.price"),
	"libcoop":     extractLibcoop,
	"libraccio":   selectorPrice("div.buybox span.currentprice"),
	"libuni":      extractLibuni,
	"mondadori":   selectorPrice("span.new-price.new-detail-price"),
	"osiander":    extractOsiander,
	"rizzoli":     selectorPrice("span.price-value"),
}

// ExtractorNames lists the built-in extractors.
func ExtractorNames() []string {
	names := make([]string, 0, len(extractors))
	for name := range extractors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func selectorPrice(selector string) Extractor {
	return func(doc *goquery.Document) Extraction {
		return firstText(doc.Selection, selector)
	}
}

func firstText(sel *goquery.Selection, selector string) Extraction {
	found := sel.Find(selector).First()
	if found.Length() == 0 {
		return Absent("price element missing: " + selector)
	}
	text := strings.TrimSpace(found.Text())
	if text == "" {
		return Absent("price element empty: " + selector)
	}
	return Found(text)
}

func containsText(doc *goquery.Document, selector, marker string) bool {
	hit := false
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.Contains(s.Text(), marker) {
			hit = true
			return false
		}
		return true
	})
	return hit
}

// lafeltrinelli.it and ibs.it share a storefront.
func extractFeltrinelli(doc *goquery.Document) Extraction {
	label := doc.Find("span.cc-top-title-label").First()
	if label.Length() == 0 {
		return Absent("product label missing")
	}
	if strings.TrimSpace(label.Text()) == "LIBRO USATO" {
		return Absent("used copy")
	}
	return firstText(doc.Selection, "div.cc-pdp-main div.cc-content-price span.cc-price")
}

func extractHoepli(doc *goquery.Document) Extraction {
	if containsText(doc, "span.disponibilita_Z", "Non disponibile") {
		return Absent("not available")
	}
	return firstText(doc.Selection, "div.prezzo span")
}

func extractLibcoop(doc *goquery.Document) Extraction {
	if containsText(doc, "button.btn.btn-disabled", "NON DISPONIBILE") {
		return Absent("not available")
	}
	return firstText(doc.Selection, "span.current-price")
}

func extractLibuni(doc *goquery.Document) Extraction {
	body := doc.Text()
	if strings.Contains(body, "Prodotto momentaneamente non disponibile") {
		return Absent("temporarily unavailable")
	}
	if strings.Contains(body, "Fuori catalogo") {
		return Absent("out of catalogue")
	}
	return firstText(doc.Selection, "span.current-price")
}

// osiander.de shows a struck-through block for discounted books and a plain
// headline otherwise.
func extractOsiander(doc *goquery.Document) Extraction {
	if discounted := doc.Find(".streichpreisdarstellung").First(); discounted.Length() > 0 {
		if line := parser.FirstLine(discounted.Text()); line != "" {
			return Found(line)
		}
	}

	var price string
	doc.Find(".element-headline-medium").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if strings.Contains(text, "€") {
			price = parser.FirstLine(text)
			return price == ""
		}
		return true
	})
	if price == "" {
		return Absent("no euro headline")
	}
	return Found(price)
}
