// Package zabbix описывает протокол Zabbix sender (элементы данных типа
// "Zabbix trapper").
package zabbix

import (
	"fmt"
	"strconv"
	"strings"
)

// RequestSenderData значение поля request для отправки данных
const RequestSenderData = "sender data"

// Item одно значение для элемента данных
type Item struct {
	Host  string `json:"host"`
	Key   string `json:"key"`
	Value string `json:"value"`
	Clock int64  `json:"clock,omitempty"`
	NS    int64  `json:"ns,omitempty"`
}

// Request запрос sender
type Request struct {
	Request string `json:"request"`
	Data    []Item `json:"data"`
	Clock   int64  `json:"clock,omitempty"`
	NS      int64  `json:"ns,omitempty"`
}

// Response ответ сервера или прокси
type Response struct {
	Response string `json:"response"`
	Info     string `json:"info,omitempty"`
}

// Result разобранное поле info ответа
type Result struct {
	Processed int
	Failed    int
	Total     int
	Seconds   float64
}

// ParseInfo разбирает строку вида
// "processed: 3; failed: 0; total: 3; seconds spent: 0.000055"
func ParseInfo(info string) (Result, error) {
	var r Result
	for _, part := range strings.Split(info, ";") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)

		var err error
		switch name {
		case "processed":
			r.Processed, err = strconv.Atoi(value)
		case "failed":
			r.Failed, err = strconv.Atoi(value)
		case "total":
			r.Total, err = strconv.Atoi(value)
		case "seconds spent":
			r.Seconds, err = strconv.ParseFloat(value, 64)
		}
		if err != nil {
			return r, fmt.Errorf("parse %q in sender info: %w", name, err)
		}
	}
	return r, nil
}

// KeyParam экранирует параметр ключа элемента данных
func KeyParam(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
