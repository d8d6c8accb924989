// Package api 通过 chi 路由对外暴露意图执行、额度查询、合约生成与异步任务接口。
package api
