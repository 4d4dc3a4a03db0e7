// Package memkv предоставляет потокобезопасное in-memory хранилище для
// служебного состояния канального уровня: таблицы дедупликации принятых
// пакетов, токены рукопожатий и прочий недолговечный скратч.
//
// Основные свойства:
//   - Шардированная карта с RW-мьютексами (по умолчанию 64 шарда)
//   - TTL: ленивое истечение при чтении плюс фоновая уборка по таймеру
//   - SetNX как примитив дедупликации (первое появление ключа — true)
//   - Быстрые метрики на атомиках без влияния на производительность
//   - Опциональный лимит по общему объёму данных (Options.MaxBytes)
package memkv
