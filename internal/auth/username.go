package auth

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// maxUsernameAttempts はユーザー名衝突時の最大試行回数。
// 使い果たした場合はシステム不変条件違反として扱う。
const maxUsernameAttempts = 10

// ErrUsernameExhausted はユーザー名の衝突回避試行を使い果たしたことを示す。
var ErrUsernameExhausted = fmt.Errorf("exhausted %d username collision attempts", maxUsernameAttempts)

// DeriveUsername はメールアドレスのローカルパートからベースユーザー名を導出する。
// 小文字化し、[a-z0-9_]以外の文字を_に置換する。
func DeriveUsername(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}
	local = strings.ToLower(local)

	var b strings.Builder
	b.Grow(len(local))
	for _, r := range local {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ResolveUsername はベースユーザー名から未使用のユーザー名を決定する。
// 衝突時は `{base}_{timestamp}_{attempt}` を順に試す。同一の入力と時刻に対して
// 試行列は決定的になる。最大試行回数を超えた場合はErrUsernameExhaustedを返す。
// existsはストレージ技術に依存しない存在判定のケイパビリティとして注入する。
func ResolveUsername(ctx context.Context, exists func(ctx context.Context, username string) (bool, error), base string, now time.Time) (string, error) {
	candidate := base
	for attempt := 1; attempt <= maxUsernameAttempts; attempt++ {
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("failed to check username availability: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s_%d_%d", base, now.Unix(), attempt)
	}
	return "", ErrUsernameExhausted
}
