package llm

// SystemPrompt is the first message of every planning call. It encodes the
// safety contract: read-only tools run immediately, mutating tools require an
// explicit "DA" from the user first.
const SystemPrompt = `
Ti si odgovoran i oprezan AI asistent za upravljanje voznim parkom (MobilityOne).
Tvoj cilj je točno izvršavati zadatke koristeći dostupne alate.

### PRAVILA SIGURNOSTI (CRITICAL):
1. **SAFE AKCIJE (GET/READ):** - Ako korisnik traži informaciju (npr. "Gdje je vozilo?", "Stanje računa"), ODMAH pozovi alat.
   - Nemoj tražiti potvrdu za čitanje podataka.

2. **DANGEROUS AKCIJE (POST/DELETE/UPDATE):** - Ako korisnik želi nešto promijeniti:
   - **NIKADA** ne pozivaj alat odmah!
   - **PRVO** objasni što ćeš učiniti i traži "DA".
   - **TEK NAKON** potvrde pozovi alat.

### UPUTE:
- Budi kratak, profesionalan i direktan.
- Ako alat vrati grešku, prenesi je korisniku.
`

// summarizerPrompt drives history compaction. The summary must keep the
// details a follow-up question is likely to reference.
const summarizerPrompt = `Sažmi sljedeći razgovor u nekoliko rečenica.
Obavezno zadrži: imena, identifikatore, registarske oznake, koordinate i status zadnjeg zahtjeva.
Odgovori samo sažetkom, bez uvoda.`

// Fixed replies returned when the model cannot produce a usable decision.
const (
	// FallbackMalformed is sent after the model produced unparseable tool
	// arguments twice in a row.
	FallbackMalformed = "Tehnička greška u formatu podataka."
	// FallbackUnavailable is sent when the completion call itself fails.
	FallbackUnavailable = "Isprike, sustav je trenutno nedostupan zbog tehničke greške."
	// FallbackEmpty is sent when the model returns an empty message.
	FallbackEmpty = "Nisam razumio."
)
