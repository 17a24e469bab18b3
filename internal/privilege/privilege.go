// Package privilege сообщает, запущен ли процесс с повышенными правами.
// Часть датчиков (температуры, вентиляторы, некоторые счетчики GPU)
// без них недоступна.
package privilege

// Elevated возвращает true, если процесс запущен от root / администратора
func Elevated() bool {
	return elevated()
}
