package utils

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/pkg/errors"
)

const (
	// tokenTransferOpcode is the SPL token program Transfer instruction tag.
	tokenTransferOpcode uint8 = 3
	// ataCreateIdempotentOpcode is the associated token account program CreateIdempotent tag.
	ataCreateIdempotentOpcode uint8 = 1
)

// GetAssociatedTokenAddress returns the token account address for a given token and owner.
// This is a deterministic address that follows Solana's Associated Token Account Program conventions.
func GetAssociatedTokenAddress(tokenMint, owner sol.PublicKey) (sol.PublicKey, error) {
	seeds := [][]byte{
		owner.Bytes(),
		sol.TokenProgramID.Bytes(),
		tokenMint.Bytes(),
	}

	addr, _, err := sol.FindProgramAddress(
		seeds,
		sol.SPLAssociatedTokenAccountProgramID,
	)

	return addr, err
}

// CreateAssociatedTokenAccountIdempotentInstruction creates the owner's token account for mint,
// succeeding without changes when it already exists. A resubmitted transaction therefore never
// fails on an account created by its own first landing.
func CreateAssociatedTokenAccountIdempotentInstruction(
	payer sol.PublicKey,
	associatedToken sol.PublicKey,
	owner sol.PublicKey,
	mint sol.PublicKey,
) sol.Instruction {
	return sol.NewInstruction(
		sol.SPLAssociatedTokenAccountProgramID,
		sol.AccountMetaSlice{
			{PublicKey: payer, IsSigner: true, IsWritable: true},
			{PublicKey: associatedToken, IsSigner: false, IsWritable: true},
			{PublicKey: owner, IsSigner: false, IsWritable: false},
			{PublicKey: mint, IsSigner: false, IsWritable: false},
			{PublicKey: sol.SystemProgramID, IsSigner: false, IsWritable: false},
			{PublicKey: sol.TokenProgramID, IsSigner: false, IsWritable: false},
		},
		[]byte{ataCreateIdempotentOpcode},
	)
}

// CreateMemoInstruction creates a memo instruction with the given message.
func CreateMemoInstruction(message string, signer sol.PublicKey) sol.Instruction {
	return sol.NewInstruction(
		sol.MemoProgramID,
		sol.AccountMetaSlice{
			{PublicKey: signer, IsSigner: true, IsWritable: false},
		},
		[]byte(message),
	)
}

// CreateTransferInstruction creates an SPL token transfer: a 1-byte opcode followed by the
// amount as a little-endian u64.
//
// Parameters:
// - source: the source token account.
// - destination: the destination token account.
// - owner: the owner of the source account, who signs.
// - amount: the amount in token base units.
//
// Returns:
// - sol.Instruction: the transfer instruction.
// - error: an error if the instruction data cannot be encoded.
func CreateTransferInstruction(
	source sol.PublicKey,
	destination sol.PublicKey,
	owner sol.PublicKey,
	amount uint64,
) (sol.Instruction, error) {
	data, err := EncodeTokenTransferData(amount)
	if err != nil {
		return nil, err
	}

	return sol.NewInstruction(
		sol.TokenProgramID,
		sol.AccountMetaSlice{
			{PublicKey: source, IsSigner: false, IsWritable: true},
			{PublicKey: destination, IsSigner: false, IsWritable: true},
			{PublicKey: owner, IsSigner: true, IsWritable: false},
		},
		data,
	), nil
}

// EncodeTokenTransferData encodes the SPL token Transfer instruction data.
func EncodeTokenTransferData(amount uint64) ([]byte, error) {
	buf := new(bytes.Buffer)
	encoder := bin.NewBinEncoder(buf)
	if err := encoder.WriteUint8(tokenTransferOpcode); err != nil {
		return nil, errors.Wrap(err, "failed to encode opcode")
	}
	if err := encoder.WriteUint64(amount, bin.LE); err != nil {
		return nil, errors.Wrap(err, "failed to encode amount")
	}
	return buf.Bytes(), nil
}

// DecodeTokenTransferData is the inverse of EncodeTokenTransferData.
func DecodeTokenTransferData(data []byte) (uint64, error) {
	decoder := bin.NewBinDecoder(data)
	opcode, err := decoder.ReadUint8()
	if err != nil {
		return 0, errors.Wrap(err, "failed to decode opcode")
	}
	if opcode != tokenTransferOpcode {
		return 0, errors.Errorf("unexpected opcode %d", opcode)
	}
	amount, err := decoder.ReadUint64(bin.LE)
	if err != nil {
		return 0, errors.Wrap(err, "failed to decode amount")
	}
	return amount, nil
}

// CreateSystemTransferInstruction creates a native SOL transfer.
func CreateSystemTransferInstruction(from, to sol.PublicKey, lamports uint64) (sol.Instruction, error) {
	instruction, err := system.NewTransferInstruction(lamports, from, to).ValidateAndBuild()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build system transfer")
	}
	return instruction, nil
}
