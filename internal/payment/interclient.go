package payment

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InterConfig configures the Banco Inter API client. The bank requires a
// mutual-TLS client certificate on every call plus an OAuth
// client-credentials token per scope.
type InterConfig struct {
	BaseURL       string // default https://cdpj.partners.bancointer.com.br
	ClientID      string
	ClientSecret  string
	CertFile      string
	KeyFile       string
	AccountNumber string // x-conta-corrente, required when the credential spans accounts

	// RequestsPerSecond paces all gateway calls (default 1, burst 2). The
	// bank enforces request quotas; staying under them keeps rate errors in
	// the retryable path instead of the common case.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration

	// HTTPClient overrides the mTLS client; tests point it at a local
	// fake gateway.
	HTTPClient *http.Client
}

// InterClient talks to the Banco Inter banking API.
type InterClient struct {
	httpClient *http.Client
	config     InterConfig
	limiter    *rate.Limiter

	mu     sync.Mutex
	tokens map[string]cachedToken
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// NewInterClient builds the client, loading the mTLS keypair unless an HTTP
// client override is supplied.
func NewInterClient(config InterConfig) (*InterClient, error) {
	if config.BaseURL == "" {
		config.BaseURL = "https://cdpj.partners.bancointer.com.br"
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 1
	}
	if config.Burst <= 0 {
		config.Burst = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		if config.CertFile == "" || config.KeyFile == "" {
			return nil, fmt.Errorf("inter client requires a certificate and key file")
		}
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load Inter client certificate: %w", err)
		}
		httpClient = &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
			},
		}
	}

	return &InterClient{
		httpClient: httpClient,
		config:     config,
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		tokens:     make(map[string]cachedToken),
	}, nil
}

// PixInstruction is one payment submission.
type PixInstruction struct {
	IdempotencyKey string
	Amount         string // canonical decimal string, e.g. "1234.56"
	PaymentDate    time.Time
	Description    string
	PixKey         string
}

// PixResult is the gateway's synchronous acceptance. Final settlement
// arrives later through the statement.
type PixResult struct {
	ReturnType    string `json:"tipoRetorno"`
	RequestCode   string `json:"codigoSolicitacao"`
	PaymentDate   string `json:"dataPagamento"`
	OperationDate string `json:"dataOperacao"`
}

// StatementEntry is one statement line, used to reconcile settlement.
type StatementEntry struct {
	EntryDate     string `json:"dataEntrada"`
	OperationType string `json:"tipoOperacao"`
	Amount        string `json:"valor"`
	Title         string `json:"titulo"`
	Description   string `json:"descricao"`
	RequestCode   string `json:"codigoSolicitacao"`
}

type statementResponse struct {
	Transactions []StatementEntry `json:"transacoes"`
}

type pixPayload struct {
	Valor        json.Number    `json:"valor"`
	DataPgto     string         `json:"dataPagamento"`
	Descricao    string         `json:"descricao"`
	Destinatario pixDestination `json:"destinatario"`
}

type pixDestination struct {
	Tipo  string `json:"tipo"`
	Chave string `json:"chave"`
}

// SubmitPix submits one payment instruction. The idempotency header lets the
// gateway de-duplicate resubmissions that carry the same key.
func (c *InterClient) SubmitPix(ctx context.Context, instr PixInstruction) (*PixResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}

	token, err := c.token(ctx, "pagamento-pix.write")
	if err != nil {
		return nil, err
	}

	description := instr.Description
	if description == "" {
		description = "vvpay invoice payment"
	}
	body, err := json.Marshal(pixPayload{
		Valor:        json.Number(instr.Amount),
		DataPgto:     instr.PaymentDate.Format("2006-01-02"),
		Descricao:    description,
		Destinatario: pixDestination{Tipo: "CHAVE", Chave: instr.PixKey},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pix payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/banking/v2/pix", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to build pix request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-id-idempotente", instr.IdempotencyKey)
	if c.config.AccountNumber != "" {
		req.Header.Set("x-conta-corrente", c.config.AccountNumber)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	result := &PixResult{}
	if err := json.Unmarshal(respBody, result); err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("undecodable pix response: %w", err)}
	}
	if result.RequestCode == "" {
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("pix response missing codigoSolicitacao")}
	}
	slog.Info("Pix payment accepted by gateway.", "requestCode", result.RequestCode, "returnType", result.ReturnType)
	return result, nil
}

// Statement fetches the account statement for a date range. Rate-limited
// like every other gateway call.
func (c *InterClient) Statement(ctx context.Context, start, end time.Time) ([]StatementEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}

	token, err := c.token(ctx, "extrato.read")
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("dataInicio", start.Format("2006-01-02"))
	q.Set("dataFim", end.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/banking/v2/extrato?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build statement request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.config.AccountNumber != "" {
		req.Header.Set("x-conta-corrente", c.config.AccountNumber)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var stmt statementResponse
	if err := json.Unmarshal(respBody, &stmt); err != nil {
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("undecodable statement response: %w", err)}
	}
	return stmt.Transactions, nil
}

// token returns a cached OAuth token for the scope, fetching a fresh one
// when missing or near expiry.
func (c *InterClient) token(ctx context.Context, scope string) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[scope]
	c.mu.Unlock()
	if ok && time.Until(cached.expiresAt) > 30*time.Second {
		return cached.value, nil
	}

	form := url.Values{}
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	form.Set("scope", scope)
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindUnavailable, Err: fmt.Errorf("token exchange: %w", err)}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return "", err
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil || tokenResp.AccessToken == "" {
		return "", &Error{Kind: KindUnavailable, Err: fmt.Errorf("no access token in response")}
	}

	expiry := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	if tokenResp.ExpiresIn == 0 {
		expiry = time.Now().Add(5 * time.Minute)
	}
	c.mu.Lock()
	c.tokens[scope] = cachedToken{value: tokenResp.AccessToken, expiresAt: expiry}
	c.mu.Unlock()
	return tokenResp.AccessToken, nil
}

// classifyStatus maps HTTP status codes onto the retryable/terminal split:
// 429 is rate limiting, 5xx is unavailable, any other non-2xx is an explicit
// gateway decline.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Err: fmt.Errorf("gateway rate limited: %s", truncate(body))}
	case status >= 500:
		return &Error{Kind: KindUnavailable, Err: fmt.Errorf("gateway error %d: %s", status, truncate(body))}
	default:
		return &Error{Kind: KindRejected, Err: fmt.Errorf("gateway declined with %d: %s", status, truncate(body))}
	}
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
