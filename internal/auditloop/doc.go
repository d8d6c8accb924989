// Package auditloop 实现自修正的合约生成流程：生成、提取源码、审计、按审计意见重试。
package auditloop
