// Package domain concentra entidades e estruturas centrais do rate limiter.
package domain

import (
	"net/http"
	"time"
)

// ClientKey identifica um cliente de forma estável. Nunca é vazio.
type ClientKey string

func (k ClientKey) String() string {
	return string(k)
}

// RequestMetadata carrega apenas os dados da requisição relevantes para identidade.
type RequestMetadata struct {
	Header     http.Header
	RemoteAddr string
}

// Counter é a resposta do Store a um incremento: a contagem após o incremento e
// o tempo restante até a chave expirar.
type Counter struct {
	Count int64
	TTL   time.Duration
}

// TierUsage descreve o estado de um tier após uma avaliação.
type TierUsage struct {
	Policy    string
	Count     int64
	Limit     int64
	Remaining int64
	ResetIn   time.Duration
}

type Outcome int

const (
	OutcomeAllowed Outcome = iota
	OutcomeDenied
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeDenied:
		return "denied"
	case OutcomeErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Decision é produzida a cada avaliação e nunca persistida.
type Decision struct {
	Outcome        Outcome
	Allowed        bool
	ClientKey      ClientKey
	ViolatedPolicy string
	RetryAfter     time.Duration
	Usage          []TierUsage
	// FailedOpen indica que o store falhou e o limiter foi configurado para
	// deixar a requisição passar mesmo assim.
	FailedOpen bool
}

// Tightest devolve o tier com menos requisições restantes; em empate, o que
// reinicia primeiro. ok é false quando não há uso registrado.
func (d Decision) Tightest() (TierUsage, bool) {
	if len(d.Usage) == 0 {
		return TierUsage{}, false
	}
	best := d.Usage[0]
	for _, u := range d.Usage[1:] {
		if u.Remaining < best.Remaining || (u.Remaining == best.Remaining && u.ResetIn < best.ResetIn) {
			best = u
		}
	}
	return best, true
}
