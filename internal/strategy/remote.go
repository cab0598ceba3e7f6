package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "VaultPilot/internal/errors"
)

// RemoteConfig 把策略类型绑定到外部报价与构建服务。
type RemoteConfig struct {
	Type     string
	QuoteURL string
	BuildURL string
	APIKey   string
	Timeout  time.Duration
}

// Remote 通过 HTTP JSON 接口调用外部策略服务。
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemote 创建远端策略处理器。
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.Type == "" || cfg.QuoteURL == "" || cfg.BuildURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "远端策略需要配置类型、quote_url 与 build_url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Remote{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Type 实现 Handler。
func (r *Remote) Type() string { return r.cfg.Type }

type quoteRequest struct {
	Strategy string `json:"strategy"`
	Input    Input  `json:"input"`
}

type buildRequest struct {
	Plan      *Plan            `json:"plan"`
	Authority SigningAuthority `json:"authority"`
}

// Quote 请求外部服务报价。
func (r *Remote) Quote(ctx context.Context, input Input) (*Plan, error) {
	var plan Plan
	if err := r.post(ctx, r.cfg.QuoteURL, quoteRequest{Strategy: r.cfg.Type, Input: input}, &plan); err != nil {
		return nil, err
	}
	if plan.Strategy == "" {
		plan.Strategy = r.cfg.Type
	}
	if plan.QuotedAt.IsZero() {
		plan.QuotedAt = time.Now().UTC()
	}
	return &plan, nil
}

// Build 请求外部服务构建交易调用。
func (r *Remote) Build(ctx context.Context, plan *Plan, authority SigningAuthority) (*Call, error) {
	var call Call
	if err := r.post(ctx, r.cfg.BuildURL, buildRequest{Plan: plan, Authority: authority}, &call); err != nil {
		return nil, err
	}
	if call.To == "" {
		return nil, xerrors.New(CodeInvalidInput, "远端构建结果缺少目标地址")
	}
	return &call, nil
}

func (r *Remote) post(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码策略请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造策略请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "调用策略服务失败")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "读取策略服务响应失败")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		code := xerrors.CodeNetworkFailure
		if resp.StatusCode < http.StatusInternalServerError {
			code = CodeInvalidInput
		}
		return xerrors.New(code, fmt.Sprintf("策略服务返回 %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return xerrors.Wrap(xerrors.CodeNetworkFailure, err, "解析策略服务响应失败")
	}
	return nil
}
