package identity

import "log/slog"

func logPersistError(op, uid string, err error) {
	slog.Error("async user persist failed", "op", op, "uid", uid, "err", err)
}
