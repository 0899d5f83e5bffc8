// Package transport 提供进程内唯一的出站连接池。
package transport

import (
	"net"
	"net/http"
	"time"
)

// NewPool 构造出站 HTTP 客户端：单主机并发连接上限为 size。
// 该客户端由装配层创建一次，注入所有 LLM 客户端；运行期不调整大小。
// 不设置 http.Client.Timeout：单请求超时由调度层通过 ctx 控制。
func NewPool(size int) *http.Client {
	if size < 1 {
		size = 1
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       size,
		MaxIdleConns:          size,
		MaxIdleConnsPerHost:   size,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

// PoolSize 返回客户端的单主机连接上限；非本包构造的客户端返回 0。
func PoolSize(hc *http.Client) int {
	if hc == nil {
		return 0
	}
	tr, ok := hc.Transport.(*http.Transport)
	if !ok {
		return 0
	}
	return tr.MaxConnsPerHost
}
