package gateway

import (
	"fmt"

	"autofutures/database"
	"autofutures/utils"
)

// Factory 按交易所连接创建网关实例。
// 凭证只在这里解密，解出的明文不离开网关层
type Factory struct {
	encryptor *Encryptor
	simCfg    *SimulatedConfig
}

// NewFactory 创建网关工厂
func NewFactory(encryptor *Encryptor, simCfg *SimulatedConfig) *Factory {
	return &Factory{encryptor: encryptor, simCfg: simCfg}
}

// Create 根据交易所连接记录创建网关。
// 连接撮合走内部模拟盘，凭证仍要求可解密，密文损坏立即暴露
func (f *Factory) Create(conn *database.ExchangeConnection) (IGateway, error) {
	if conn == nil || conn.ExchangeID == "" {
		return nil, fmt.Errorf("交易所连接为空")
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("交易所连接 %s 已停用", conn.ExchangeID)
	}

	apiKey, err := f.encryptor.Decrypt(conn.APIKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("解密 %s API 密钥失败: %w", conn.ExchangeID, err)
	}
	if _, err := f.encryptor.Decrypt(conn.SecretKeyEncrypted); err != nil {
		return nil, fmt.Errorf("解密 %s 私钥失败: %w", conn.ExchangeID, err)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("交易所 %s API 密钥为空", conn.ExchangeID)
	}

	return NewSimulatedGateway(conn.ExchangeID, f.simCfg), nil
}

// EncryptConnection 用明文凭证构建密文连接记录
func (f *Factory) EncryptConnection(userID int64, exchangeID, apiKey, secretKey string) (*database.ExchangeConnection, error) {
	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("API 密钥和私钥不能为空")
	}

	apiEnc, err := f.encryptor.Encrypt(apiKey)
	if err != nil {
		return nil, fmt.Errorf("加密 API 密钥失败: %w", err)
	}
	secretEnc, err := f.encryptor.Encrypt(secretKey)
	if err != nil {
		return nil, fmt.Errorf("加密私钥失败: %w", err)
	}

	now := utils.NowUTC()
	return &database.ExchangeConnection{
		UserID:             userID,
		ExchangeID:         exchangeID,
		APIKeyEncrypted:    apiEnc,
		SecretKeyEncrypted: secretEnc,
		IsActive:           true,
		LastSync:           &now,
	}, nil
}
