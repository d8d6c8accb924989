// Package payment 实现 x402 付费网关：缺少支付凭证时返回 402 挑战，
// 凭证有效时将付款方写入请求上下文。本包不记录结算状态。
package payment
